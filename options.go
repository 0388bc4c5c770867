package svccore

import (
	"crypto/tls"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPollInterval bounds every wait in the dispatcher and scheduler
	// loops, so a stop request is observed even without a wakeup.
	DefaultPollInterval = time.Second

	// DefaultRandomAttemptFactor is K in the K*len(pool) sampling cap of
	// RandomStrategy.
	DefaultRandomAttemptFactor = 10

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultProbeWindow      = time.Millisecond

	defaultAttempts     = 3
	defaultInitialRetry = 200 * time.Millisecond
	defaultMaxRetry     = 5 * time.Second

	defaultHandshakeAttempts = 20
	defaultHandshakeBackoff  = 50 * time.Millisecond
)

// Options configure the dispatcher, scheduler, admission filter and Service.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	// PollInterval is the upper bound of a single wait in the consumer loops.
	PollInterval time.Duration

	// DefaultRetry is used by ScheduleTask when a Task carries no policy.
	DefaultRetry RetryPolicy

	// RandomAttemptFactor caps RandomStrategy sampling at factor*len(pool).
	RandomAttemptFactor int

	// TLSConfig enables the admission filter in Service. Nil means plain TCP.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds a single handshake step once the peer is readable.
	HandshakeTimeout time.Duration

	// ProbeWindow is the read deadline used to probe readiness on transports
	// that cannot be polled directly.
	ProbeWindow time.Duration

	// HandshakeRetry drives the deferred completion of pending handshakes.
	HandshakeRetry RetryPolicy

	// AcceptRate limits accepted connections per second. Zero disables it.
	AcceptRate  rate.Limit
	AcceptBurst int

	Metrics MetricsPolicy

	// OnDispatchError receives insert failures and exhausted tasks.
	OnDispatchError func(error)

	// OnInternalError receives failures of the loops themselves.
	OnInternalError func(error)

	// PinWorkers locks the dispatcher loop to an OS thread bound to CPU.
	// Linux only and best-effort: a failed pin is logged and sent to
	// OnInternalError, and the loop runs unpinned.
	PinWorkers bool
	CPU        int
}

func (o *Options) FillDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DefaultRetry.Attempts <= 0 {
		o.DefaultRetry.Attempts = defaultAttempts
	}
	if o.DefaultRetry.Initial <= 0 {
		o.DefaultRetry.Initial = defaultInitialRetry
	}
	if o.DefaultRetry.Max <= 0 {
		o.DefaultRetry.Max = defaultMaxRetry
	}
	if o.RandomAttemptFactor <= 0 {
		o.RandomAttemptFactor = DefaultRandomAttemptFactor
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ProbeWindow <= 0 {
		o.ProbeWindow = DefaultProbeWindow
	}
	if o.HandshakeRetry.Attempts <= 0 {
		o.HandshakeRetry.Attempts = defaultHandshakeAttempts
	}
	if o.HandshakeRetry.Initial <= 0 {
		o.HandshakeRetry.Initial = defaultHandshakeBackoff
	}
	if o.HandshakeRetry.Max <= 0 {
		o.HandshakeRetry.Max = o.HandshakeRetry.Initial
	}
	if o.AcceptRate > 0 && o.AcceptBurst <= 0 {
		o.AcceptBurst = 1
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
}
