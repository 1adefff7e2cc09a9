// SPDX-License-Identifier: MIT

package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/transport"
)

// ValidateMode selects which directions schema validation applies to.
type ValidateMode string

const (
	ValidateOff      ValidateMode = "off"
	ValidateIncoming ValidateMode = "incoming"
	ValidateOutgoing ValidateMode = "outgoing"
	ValidateBoth     ValidateMode = "both"
)

func (m ValidateMode) incoming() bool {
	return m == ValidateIncoming || m == ValidateBoth
}

func (m ValidateMode) outgoing() bool {
	return m == ValidateOutgoing || m == ValidateBoth
}

// OnErrorPolicy selects what an event loop does with a failing handler.
type OnErrorPolicy string

const (
	// OnErrorRaise terminates the listener loop.
	OnErrorRaise OnErrorPolicy = "raise"
	// OnErrorSwallow acknowledges the delivery and continues.
	OnErrorSwallow OnErrorPolicy = "swallow"
	// OnErrorRequeue leaves the delivery unacknowledged for redelivery.
	OnErrorRequeue OnErrorPolicy = "requeue"
)

// ApiSettings are the per-API tunables.
type ApiSettings struct {
	RpcTimeout       time.Duration
	EventFireTimeout time.Duration
	Validate         ValidateMode
	CastValues       bool
}

// Settings are the client-wide tunables.
type Settings struct {
	// ClientID uniquely names this client on the broker.
	ClientID string

	// Concurrency bounds in-flight handlers per consumer loop.
	Concurrency int

	AcknowledgementTimeout  time.Duration
	ReclaimInterval         time.Duration
	MaxRedeliveries         int64
	GracefulShutdownTimeout time.Duration
	SchemaTTL               time.Duration

	// Apis holds per-API overrides keyed by API name.
	Apis map[string]ApiSettings
}

func (s Settings) withDefaults() Settings {
	if s.ClientID == "" {
		s.ClientID = uuid.NewString()
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	if s.AcknowledgementTimeout <= 0 {
		s.AcknowledgementTimeout = 60 * time.Second
	}
	if s.ReclaimInterval <= 0 {
		s.ReclaimInterval = s.AcknowledgementTimeout / 3
	}
	if s.MaxRedeliveries == 0 {
		s.MaxRedeliveries = 3
	}
	if s.GracefulShutdownTimeout <= 0 {
		s.GracefulShutdownTimeout = 30 * time.Second
	}
	if s.SchemaTTL <= 0 {
		s.SchemaTTL = 60 * time.Second
	}
	return s
}

// Api returns the effective settings for apiName, with defaults filled in.
func (s Settings) Api(apiName string) ApiSettings {
	cfg := s.Apis[apiName]
	if cfg.RpcTimeout <= 0 {
		cfg.RpcTimeout = 9 * time.Second
	}
	if cfg.EventFireTimeout <= 0 {
		cfg.EventFireTimeout = 5 * time.Second
	}
	if cfg.Validate == "" {
		cfg.Validate = ValidateBoth
	}
	return cfg
}

// Transports groups the four transports a client runs on.
type Transports struct {
	Rpc    transport.RpcTransport
	Result transport.ResultTransport
	Event  transport.EventTransport
	Schema transport.SchemaTransport
}

// CallOptions tunes a single Call.
type CallOptions struct {
	// Timeout overrides the per-API rpc timeout.
	Timeout time.Duration
	// Validate overrides the per-API validation mode.
	Validate ValidateMode
}

// FireOptions tunes a single Fire.
type FireOptions struct {
	// Validate overrides the per-API validation mode.
	Validate ValidateMode
}

// ListenOptions tunes one listener registration.
type ListenOptions struct {
	// OnError selects the failure policy; defaults to OnErrorRequeue.
	OnError OnErrorPolicy
	// Since selects the stream start position for a new group.
	Since transport.StartPosition
	// Concurrency bounds in-flight handlers for this listener; defaults
	// to the client-wide setting.
	Concurrency int
}

// Option configures a Client at construction.
type Option func(*Client)

// WithLogger replaces the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock replaces the time source, for tests.
func WithClock(clk Clock) Option {
	return func(c *Client) { c.clock = clk }
}
