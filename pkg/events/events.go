// Package events publishes worker lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/ocworker/pkg/core"
)

// Event types.
const (
	TypeConnected       = "worker.connected"
	TypeProgramLoaded   = "program.loaded"
	TypeProgramRejected = "program.rejected"
	TypeRunCompleted    = "run.completed"
	TypeRunFailed       = "run.failed"
)

// DefaultPrefix is the subject prefix used when Config.Prefix is empty.
const DefaultPrefix = "ocworker"

// Event is a lifecycle notification.
type Event struct {
	Type       string        `json:"type"`
	WorkerID   string        `json:"worker_id"`
	EventID    uint64        `json:"event_id,omitempty"`
	OperatorID uint64        `json:"operator_id,omitempty"`
	SourceUID  string        `json:"source_uid,omitempty"`
	Func       string        `json:"func,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Time       time.Time     `json:"time"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Config configures a NATSPublisher.
type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string
	// Prefix is prepended to subjects: <prefix>.<worker id>.<type>.
	Prefix string
	// Name is an optional NATS connection name.
	Name   string
	Logger core.Logger
}

// NATSPublisher publishes events as JSON on core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger core.Logger
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}
	logger = core.Named(logger, "events")

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	},
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	worker := e.WorkerID
	if worker == "" {
		worker = "_"
	}
	return p.prefix + "." + worker + "." + e.Type
}

// Publish sends e. The request id carried by ctx, if any, is attached as
// a header.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Type == "" {
		return fmt.Errorf("events: event type is empty")
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	msg := &nats.Msg{
		Subject: p.Subject(e),
		Data:    data,
		Header:  nats.Header{},
	}
	if rid := core.GetRequestID(ctx); rid != "" {
		msg.Header.Set("X-Request-ID", rid)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
