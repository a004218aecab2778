// Package poller drives the periodic assoclist query, feeds each
// snapshot through the device registry and hands the resulting
// transitions to the dispatcher.
//
// Listing failures are counted; a configurable number of consecutive
// failures ends [Poller.Run] with a [*ThresholdError]. Dispatch
// failures are logged and never counted.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/wifi-exporter/internal/devices"
	"github.com/nugget/wifi-exporter/internal/events"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxFailures = 5
)

// failureReset is the streak value after a successful poll. It is one
// rather than zero, so after a success four more consecutive failures
// reach the default threshold.
const failureReset = 1

// Lister returns the raw identifiers of currently associated clients.
type Lister interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// Dispatcher forwards a transition downstream. Implementations should
// bound the time they spend per call; the poller waits for each one.
type Dispatcher interface {
	Dispatch(ctx context.Context, t devices.Transition) error
}

// Config configures a Poller.
type Config struct {
	// Lister queries the access point.
	Lister Lister

	// Registry receives every snapshot. Required.
	Registry *devices.Registry

	// Dispatcher receives every transition in order. Nil disables
	// dispatch; transitions still update the registry.
	Dispatcher Dispatcher

	// Events, when non-nil, receives transitions and poll failures.
	Events *events.Bus

	// Interval between polls.
	Interval time.Duration

	// MaxFailures is the consecutive failure count that stops Run.
	MaxFailures int

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ThresholdError is returned by Run when listing failed MaxFailures
// times in a row. Err is the last listing error.
type ThresholdError struct {
	Failures int
	Err      error
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("listing devices failed %d consecutive times: %v", e.Failures, e.Err)
}

func (e *ThresholdError) Unwrap() error { return e.Err }

// Poller is the polling loop. It is the only writer of its Registry.
type Poller struct {
	cfg Config
}

// New creates a Poller, filling zero Config fields with defaults.
func New(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Poller{cfg: cfg}
}

// Run polls immediately and then once per interval until ctx is
// cancelled or the failure threshold is reached. It returns ctx.Err()
// on cancellation and a *ThresholdError on threshold exhaustion; it
// never returns nil.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.poll(ctx)
		switch {
		case err == nil:
			failures = failureReset
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			failures++
			p.cfg.Logger.Error("error while listing devices",
				"error", err,
				"failures", failures,
				"max_failures", p.cfg.MaxFailures,
			)
			p.cfg.Events.Publish(events.Event{
				Kind:     events.KindPollFailed,
				Failures: failures,
				Error:    err.Error(),
			})
			if failures >= p.cfg.MaxFailures {
				return &ThresholdError{Failures: failures, Err: err}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll runs one cycle. Only listing errors are returned.
func (p *Poller) poll(ctx context.Context) error {
	raw, err := p.cfg.Lister.ListDevices(ctx)
	if err != nil {
		return err
	}

	transitions := p.cfg.Registry.Update(raw)
	p.cfg.Logger.Debug("devices listed", "count", len(raw), "changes", len(transitions))

	for _, t := range transitions {
		p.cfg.Logger.Info("change detected", "mac", t.Device, "update", t.Kind.String())
		p.cfg.Events.Publish(events.Event{Kind: t.Kind.String(), Device: string(t.Device)})

		if p.cfg.Dispatcher == nil {
			continue
		}
		if err := p.cfg.Dispatcher.Dispatch(ctx, t); err != nil {
			p.cfg.Logger.Error("error while sending mqtt update",
				"mac", t.Device,
				"update", t.Kind.String(),
				"error", err,
			)
		}
	}
	return nil
}
