//go:build unit

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/log"
)

type loggedEntry struct {
	level  log.Level
	msg    string
	fields map[string]any
}

type testLogger struct {
	mu      sync.Mutex
	entries []loggedEntry
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Log(_ context.Context, level log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	l.entries = append(l.entries, loggedEntry{level: level, msg: msg, fields: m})
}

//nolint:ireturn
func (l *testLogger) With(_ ...log.Field) log.Logger { return l }

//nolint:ireturn
func (l *testLogger) WithGroup(_ string) log.Logger { return l }

func (l *testLogger) Enabled(_ log.Level) bool { return true }

func (l *testLogger) Sync(_ context.Context) error { return nil }

func (l *testLogger) snapshot() []loggedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]loggedEntry, len(l.entries))
	copy(out, l.entries)

	return out
}

type capturingReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *capturingReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

const (
	timeoutForEventually = 2 * time.Second
	tickForEventually    = 10 * time.Millisecond
)
