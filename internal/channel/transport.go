package channel

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	xerrors "sentinel-kernel/internal/errors"
)

// CodeTransportFailure marks a counterparty transport error. It is
// retryable during update (the caller rolls back and may retry) but only
// causes degradation, not failure, during open.
const CodeTransportFailure xerrors.Code = "CHANNEL_TRANSPORT_FAILURE"

func init() {
	xerrors.Register(CodeTransportFailure, xerrors.Attributes{
		Message:   "channel counterparty transport failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// CounterpartyTransport is the ledger's abstract view of its co-signer: it
// hands a channel id and a signed digest to the counterparty and gets back
// their signature. The ledger treats the adapter as a trusted remote
// signer; it independently verifies the returned signature recovers to the
// expected participant address before accepting a state.
type CounterpartyTransport interface {
	// RequestSignature asks the counterparty to sign digest for
	// (channelID, turnNum) and returns their signature bytes.
	RequestSignature(ctx context.Context, channelID string, turnNum uint64, digest [32]byte) ([]byte, error)
}

// LocalSigner is a deterministic co-signer used in tests and in
// single-process development: it holds the counterparty's private key
// directly and signs on request with no network round trip.
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

// NewLocalSigner wraps key as a CounterpartyTransport.
func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key}
}

// RequestSignature signs digest immediately with the wrapped key.
func (s *LocalSigner) RequestSignature(_ context.Context, _ string, _ uint64, digest [32]byte) ([]byte, error) {
	return sign(s.key, digest)
}

// AMQPTransportConfig describes the counterparty request/reply queues.
type AMQPTransportConfig struct {
	URL           string
	RequestQueue  string
	ReplyQueue    string
	RequestExpiry string // not applied: requests are published with no message TTL
}

// AMQPTransport implements CounterpartyTransport as a synchronous RPC over
// RabbitMQ: it publishes the signing request to RequestQueue with a
// correlation id and a ReplyTo, then waits on ReplyQueue for a message
// bearing the matching correlation id.
type AMQPTransport struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	requestQueue string
	replyQueue   string

	mu      sync.Mutex
	pending map[string]chan amqp.Delivery
}

// NewAMQPTransport dials RabbitMQ and declares the request/reply queues.
func NewAMQPTransport(cfg AMQPTransportConfig) (*AMQPTransport, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(CodeTransportFailure, "amqp url is empty")
	}
	requestQueue := cfg.RequestQueue
	if requestQueue == "" {
		requestQueue = "sentinel.channel.cosign.request"
	}
	replyQueue := cfg.ReplyQueue
	if replyQueue == "" {
		replyQueue = "sentinel.channel.cosign.reply"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransportFailure, err, "dial amqp broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(CodeTransportFailure, err, "open amqp channel")
	}
	if _, err := ch.QueueDeclare(requestQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(CodeTransportFailure, err, "declare request queue")
	}
	if _, err := ch.QueueDeclare(replyQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(CodeTransportFailure, err, "declare reply queue")
	}

	t := &AMQPTransport{
		conn:         conn,
		ch:           ch,
		requestQueue: requestQueue,
		replyQueue:   replyQueue,
		pending:      make(map[string]chan amqp.Delivery),
	}
	if err := t.startReplyConsumer(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *AMQPTransport) startReplyConsumer() error {
	msgs, err := t.ch.Consume(t.replyQueue, "", true, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(CodeTransportFailure, err, "consume reply queue")
	}
	go func() {
		for msg := range msgs {
			t.mu.Lock()
			waiter, ok := t.pending[msg.CorrelationId]
			if ok {
				delete(t.pending, msg.CorrelationId)
			}
			t.mu.Unlock()
			if ok {
				waiter <- msg
			}
		}
	}()
	return nil
}

// RequestSignature publishes a signing request and blocks until the
// counterparty replies with a signature or ctx is done.
func (t *AMQPTransport) RequestSignature(ctx context.Context, channelID string, turnNum uint64, digest [32]byte) ([]byte, error) {
	correlationID := uuid.NewString()
	waiter := make(chan amqp.Delivery, 1)

	t.mu.Lock()
	t.pending[correlationID] = waiter
	t.mu.Unlock()

	body := fmt.Sprintf("%s:%d:%x", channelID, turnNum, digest)
	err := t.ch.PublishWithContext(ctx, "", t.requestQueue, false, false, amqp.Publishing{
		ContentType:   "text/plain",
		CorrelationId: correlationID,
		ReplyTo:       t.replyQueue,
		Body:          []byte(body),
	})
	if err != nil {
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
		return nil, xerrors.Wrap(CodeTransportFailure, err, "publish signing request")
	}

	select {
	case msg := <-waiter:
		return msg.Body, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
		return nil, xerrors.Wrap(CodeTransportFailure, ctx.Err(), "counterparty signature timed out")
	}
}

// Close releases the AMQP connection.
func (t *AMQPTransport) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
