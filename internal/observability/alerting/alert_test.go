package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "sentinel-kernel/internal/errors"
)

const codeAlertWorthy xerrors.Code = "ALERTING_TEST_ALERT_WORTHY"

func init() {
	xerrors.Register(codeAlertWorthy, xerrors.Attributes{
		Message:   "test alert-worthy failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func TestEventFromErrorReturnsFalseForNonKernelError(t *testing.T) {
	_, ok := EventFromError(context.Canceled, "sess-1", time.Now())
	require.False(t, ok)
}

func TestEventFromErrorReturnsTrueForAlertWorthyCode(t *testing.T) {
	err := xerrors.New(codeAlertWorthy, "receipt wait timed out")
	event, ok := EventFromError(err, "sess-1", time.Now())
	require.True(t, ok)
	require.Equal(t, codeAlertWorthy, event.Code)
	require.Equal(t, "sess-1", event.SessionID)
}

type recordingSender struct {
	calls int
}

func (s *recordingSender) Send(_ context.Context, _ string) error {
	s.calls++
	return nil
}

func TestFanoutDispatcherDeliversToEveryNotifier(t *testing.T) {
	sender := &recordingSender{}
	dispatcher := NewFanout(&DingTalkNotifier{Sender: sender})

	err := dispatcher.Notify(context.Background(), Event{Code: codeAlertWorthy, Severity: xerrors.SeverityCritical})
	require.NoError(t, err)
	require.Equal(t, 1, sender.calls)
}

func TestFanoutDispatcherSkipsUnconfiguredNotifiers(t *testing.T) {
	dispatcher := NewFanout(&DingTalkNotifier{})
	err := dispatcher.Notify(context.Background(), Event{})
	require.NoError(t, err)
}
