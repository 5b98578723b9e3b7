// Package relay republishes hub events and GSR sample batches to NATS so
// downstream consumers can follow a session without polling the admin API.
//
// Subjects are <prefix>.events.<type> for lifecycle and transfer events and
// <prefix>.gsr.<device_id> for sample batches. Payloads are JSON.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("relay: closed")

type Config struct {
	URL            string
	SubjectPrefix  string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// SkipProgress drops per-chunk transfer progress events.
	SkipProgress bool
}

func DefaultConfig() Config {
	return Config{
		SubjectPrefix:  "sensorhub",
		Name:           "sensorhub",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.SubjectPrefix) == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = d.ReconnectWait
	}
	return c
}

type Publisher struct {
	cfg    Config
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials the NATS server at cfg.URL. The connection reconnects
// indefinitely; publishes made while disconnected are buffered by the client.
func Connect(cfg Config) (*Publisher, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("relay: nats url is required")
	}
	logger := observability.Component("relay")
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: connect %s: %w", cfg.URL, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Str("prefix", cfg.SubjectPrefix).Msg("relay connected")
	return &Publisher{cfg: cfg, nc: nc, logger: logger}, nil
}

func (p *Publisher) Config() Config { return p.cfg }

// EventSubject is the subject an event of the given type is published on.
func (p *Publisher) EventSubject(eventType string) string {
	return p.cfg.SubjectPrefix + ".events." + token(eventType)
}

// GSRSubject is the subject a device's sample batches are published on.
func (p *Publisher) GSRSubject(deviceID string) string {
	return p.cfg.SubjectPrefix + ".gsr." + token(deviceID)
}

// PublishEvent sends v as JSON on the subject for eventType.
func (p *Publisher) PublishEvent(eventType string, v any) error {
	if p.cfg.SkipProgress && eventType == "transfer_progress" {
		return nil
	}
	return p.publish(p.EventSubject(eventType), v)
}

// PublishGSR sends one sample batch for deviceID.
func (p *Publisher) PublishGSR(deviceID string, v any) error {
	return p.publish(p.GSRSubject(deviceID), v)
}

func (p *Publisher) publish(subject string, v any) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrClosed
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", subject, err)
	}
	if err := p.nc.Publish(subject, body); err != nil {
		return fmt.Errorf("relay: publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending publishes for up to two seconds and closes the
// connection.
func (p *Publisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	err := p.nc.FlushTimeout(2 * time.Second)
	p.nc.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("relay: flush: %w", err)
	}
	return nil
}

// token maps s to a single NATS subject token.
func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
