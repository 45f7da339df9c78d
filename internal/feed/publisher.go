// Package feed publishes engine events to NATS JetStream for dashboards and alerting.
package feed

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/yanun0323/logs"

	"quoter/internal/bus"
	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

const (
	StreamName    = "QUOTER_EVENTS"
	SubjectPrefix = "quoter.events"
)

// JetStream is the part of jetstream.JetStream the publisher needs.
type JetStream interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager creates or updates streams.
type StreamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// Connect dials NATS and returns the connection with its JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("quoter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logs.Warnf("nats disconnected, err=%v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logs.Infof("nats reconnected, url=%s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, errors.Transient(errors.Wrap(err, "connect nats"))
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "create jetstream context")
	}
	return nc, js, nil
}

// EnsureStream creates the event stream if needed.
func EnsureStream(ctx context.Context, sm StreamManager, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	_, err := sm.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return errors.Wrap(err, "create event stream")
	}
	logs.Infof("event stream ensured, stream=%s", StreamName)
	return nil
}

// Subject returns quoter.events.<type>.<instrument>, or quoter.events.<type>
// for events without an instrument.
func Subject(e schema.Event) string {
	subject := SubjectPrefix + "." + token(string(e.Type))
	if e.Instrument != "" {
		subject += "." + token(e.Instrument)
	}
	return subject
}

// token makes s a single NATS subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// Publisher forwards events from a bus queue to JetStream.
type Publisher struct {
	js      JetStream
	timeout time.Duration
}

func NewPublisher(js JetStream, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{js: js, timeout: timeout}
}

// Run publishes every event of q until ctx is done or q is closed. A failed
// publish is logged and skipped.
func (p *Publisher) Run(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(e schema.Event) {
		if err := p.Publish(ctx, e); err != nil {
			logs.Warnf("event publish failed, type=%s instrument=%s err=%v", e.Type, e.Instrument, err)
		}
	})
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, e schema.Event) error {
	if p.js == nil {
		return errors.Transient(exception.ErrFeedDisconnect)
	}
	data, err := sonic.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.js.Publish(ctx, Subject(e), data); err != nil {
		return errors.Transient(errors.Wrapf(exception.ErrFeedPublish, "subject=%s: %v", Subject(e), err))
	}
	return nil
}
