// Package mocks provides shared mock implementations for testing.
//
// # Usage
//
//	import "autocoder/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    fc := mocks.NewMockForgeClient()
//	    fc.GetPRFunc = func(_ context.Context, n int) (*forge.PullRequest, error) {
//	        return &forge.PullRequest{Number: n, HeadSHA: "abc"}, nil
//	    }
//	    // Use fc wherever a forge.Client is expected...
//	}
//
// # Available Mocks
//
//   - MockForgeClient: Mock for pkg/forge.Client
package mocks
