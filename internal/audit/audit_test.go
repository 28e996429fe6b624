package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubSink struct {
	entries []Entry
	err     error
}

func (s *stubSink) Append(_ context.Context, entry Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func TestRecordAppendsToMemoryAndSink(t *testing.T) {
	log := NewLog(10)
	sink := &stubSink{}
	log.SetSink(sink)

	log.Record(context.Background(), "sess-1", "corr-1", "swap_accepted", "", map[string]string{"proposalId": "p1"})

	entries := log.Entries("sess-1")
	require.Len(t, entries, 1)
	require.Equal(t, "swap_accepted", entries[0].Kind)
	require.Len(t, sink.entries, 1)
}

func TestRecordNeverFailsOnSinkError(t *testing.T) {
	log := NewLog(10)
	var reported error
	log.SetSink(&stubSink{err: errors.New("db unavailable")})
	log.OnSinkError(func(err error) { reported = err })

	entry := log.Record(context.Background(), "sess-1", "", "swap_rejected", "max-trade-size", nil)
	require.NotEmpty(t, entry.ID)
	require.Error(t, reported)
	require.Len(t, log.Entries("sess-1"), 1)
}

func TestEntriesFiltersBySession(t *testing.T) {
	log := NewLog(10)
	log.Record(context.Background(), "sess-1", "", "session_opened", "", nil)
	log.Record(context.Background(), "sess-2", "", "session_opened", "", nil)

	require.Len(t, log.Entries("sess-1"), 1)
	require.Len(t, log.Entries(""), 2)
}

func TestRingBufferEvictsOldestEntries(t *testing.T) {
	log := NewLog(2)
	log.Record(context.Background(), "sess-1", "", "a", "", nil)
	log.Record(context.Background(), "sess-1", "", "b", "", nil)
	log.Record(context.Background(), "sess-1", "", "c", "", nil)

	entries := log.Entries("sess-1")
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].Kind)
	require.Equal(t, "c", entries[1].Kind)
}
