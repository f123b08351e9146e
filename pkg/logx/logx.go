// Package logx provides component-scoped logging with env-controlled debug domains.
package logx

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// ctxKey carries the component name for package-level Debug calls.
type ctxKey struct{}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil = all domains
}

// Entry is one captured log line, served by the API's recent-log endpoint.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// ringBuffer keeps the most recent entries.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	buffer = &ringBuffer{maxSize: 1000}

	output   io.Writer = os.Stderr
	outputMu sync.RWMutex
)

func init() { //nolint:gochecknoinits // env var initialization
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_DOMAINS=poller,followup
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// SetOutput redirects every logger. nil restores stderr.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// SetDebug toggles debug logging and optionally restricts it to domains.
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

func (b *ringBuffer) add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) since(component string, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	filtered := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if component != "" && !strings.EqualFold(entry.Component, component) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// Recent returns captured entries, optionally filtered by component and time.
func Recent(component string, since time.Time) []Entry {
	return buffer.since(component, since)
}

// Logger writes "[ts] [component] LEVEL: message key=value" lines.
type Logger struct {
	component string
	fields    string
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// WithFields returns a logger that appends key=value pairs to every line.
// Keys are sorted so lines stay grep-friendly.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(l.fields)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return &Logger{component: l.component, fields: sb.String()}
}

// WithComponent returns a copy of the logger under another component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, fields: l.fields}
}

func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) log(level Level, domain, format string, args ...any) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	message := fmt.Sprintf(format, args...) + l.fields

	outputMu.RLock()
	log.New(output, "", 0).Printf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
	outputMu.RUnlock()

	buffer.add(Entry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	debugMutex.RLock()
	enabled := debugConfig.Enabled
	debugMutex.RUnlock()
	if !enabled {
		return
	}
	l.log(LevelDebug, "", format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "", format, args...)
}

// ContextWithComponent tags ctx so package-level Debug calls name their caller.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

// Debug logs a debug message gated by domain.
//
//	DEBUG=1                            # all domains
//	DEBUG=1 DEBUG_DOMAINS=poller       # one domain
//	DEBUG=1 DEBUG_DOMAINS=poller,durable
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(ctxKey{}).(string); ok {
			component = c
		}
	}
	NewLogger(component).log(LevelDebug, domain, "[%s] %s", domain, fmt.Sprintf(format, args...))
}

// DebugFlow logs a workflow step transition.
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = " - " + extra[0]
	}
	Debug(ctx, domain, "Flow %s: %s%s", step, status, extraInfo)
}

var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
