package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autocoder/pkg/durable"
)

// NewEngine returns a launched engine over an in-memory backend, closed at
// test end. Workflows may be registered after it is returned.
func NewEngine(t *testing.T, opts durable.Options) *durable.Engine {
	t.Helper()
	engine := durable.NewEngine(durable.NewMemoryBackend(), opts)
	require.NoError(t, engine.Launch(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return engine
}
