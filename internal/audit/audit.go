// Package audit implements the kernel's append-only audit log: every
// policy decision, swap, simulation, and state transition across C1-C6 is
// appended here in acceptance order, forming one total order per session.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one append-only audit record.
type Entry struct {
	ID            string
	SessionID     string
	CorrelationID string
	Kind          string
	Reason        string
	Fields        map[string]string
	Timestamp     time.Time
}

// Sink persists audit entries. Log always appends to its in-memory ring
// buffer regardless of Sink presence or failure; a Sink failure never
// blocks the caller whose action is being recorded.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Log is the audit log: an in-memory ring buffer of bounded size, with an
// optional durable Sink mirrored best-effort on every append.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	sink     Sink
	onError  func(error)
}

// NewLog constructs a Log with the given ring-buffer capacity. capacity<=0
// defaults to 10000.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Log{capacity: capacity}
}

// SetSink attaches a durable sink. Nil clears it.
func (l *Log) SetSink(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// OnSinkError registers a callback invoked synchronously from Record
// whenever a sink append fails. If unset, sink failures are silently absorbed beyond the
// in-memory record.
func (l *Log) OnSinkError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onError = fn
}

// Record appends a new entry, stamping its id and timestamp. It never
// returns an error: the in-memory append always succeeds; sink failures are
// reported only via OnSinkError.
func (l *Log) Record(ctx context.Context, sessionID, correlationID, kind, reason string, fields map[string]string) Entry {
	entry := Entry{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Kind:          kind,
		Reason:        reason,
		Fields:        fields,
		Timestamp:     time.Now().UTC(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	sink := l.sink
	onError := l.onError
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Append(ctx, entry); err != nil && onError != nil {
			onError(err)
		}
	}
	return entry
}

// Entries returns every entry currently held in memory for sessionID, in
// acceptance order. An empty sessionID returns every entry.
func (l *Log) Entries(sessionID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if sessionID == "" {
		out := make([]Entry, len(l.entries))
		copy(out, l.entries)
		return out
	}
	var out []Entry
	for _, e := range l.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}
