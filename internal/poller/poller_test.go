package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wifi-exporter/internal/devices"
	"github.com/nugget/wifi-exporter/internal/events"
)

var errList = errors.New("ssh channel failed")

// scriptedLister returns the scripted results in order, then repeats
// the last one. onCall runs after every call when set.
type scriptedLister struct {
	mu      sync.Mutex
	results []result
	calls   int
	onCall  func(calls int)
}

type result struct {
	devices []string
	err     error
}

func (l *scriptedLister) ListDevices(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.results[min(l.calls, len(l.results)-1)]
	l.calls++
	if l.onCall != nil {
		l.onCall(l.calls)
	}
	return r.devices, r.err
}

func (l *scriptedLister) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []devices.Transition
	fail bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t devices.Transition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, t)
	if d.fail {
		return errors.New("broker unavailable")
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failures(n int) []result {
	out := make([]result, n)
	for i := range out {
		out[i] = result{err: errList}
	}
	return out
}

func newTestPoller(l Lister, d Dispatcher, bus *events.Bus) (*Poller, *devices.Registry) {
	reg := devices.NewRegistry()
	return New(Config{
		Lister:      l,
		Registry:    reg,
		Dispatcher:  d,
		Events:      bus,
		Interval:    time.Millisecond,
		MaxFailures: 5,
		Logger:      quietLogger(),
	}), reg
}

func TestRun_ThresholdFromFreshCounter(t *testing.T) {
	l := &scriptedLister{results: failures(1)}
	p, _ := newTestPoller(l, nil, nil)

	err := p.Run(context.Background())

	var te *ThresholdError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want *ThresholdError", err)
	}
	if te.Failures != 5 {
		t.Errorf("Failures = %d, want 5", te.Failures)
	}
	if !errors.Is(err, errList) {
		t.Errorf("error %v should wrap the last listing error", err)
	}
	if got := l.count(); got != 5 {
		t.Errorf("lister called %d times, want 5", got)
	}
}

func TestRun_SuccessResetsCounter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	script := append(failures(4), result{devices: []string{"AA:BB"}})
	l := &scriptedLister{
		results: script,
		onCall: func(calls int) {
			if calls == 50 {
				cancel()
			}
		},
	}
	p, reg := newTestPoller(l, nil, nil)

	err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := l.count(); got != 50 {
		t.Errorf("lister called %d times, want 50", got)
	}
	if snap := reg.Snapshot(); !snap["AA:BB"] {
		t.Errorf("registry = %v, want AA:BB connected", snap)
	}
}

func TestRun_ResetIsToOne(t *testing.T) {
	script := append(failures(4), result{devices: []string{"A"}})
	script = append(script, failures(1)...)
	l := &scriptedLister{results: script}
	p, _ := newTestPoller(l, nil, nil)

	err := p.Run(context.Background())

	var te *ThresholdError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want *ThresholdError", err)
	}
	// 4 failures, 1 success, then 4 more failures.
	if got := l.count(); got != 9 {
		t.Errorf("lister called %d times, want 9", got)
	}
}

func TestRun_DispatchOrderAndEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := &scriptedLister{
		results: []result{
			{devices: []string{"aa:01", "aa:02"}},
			{devices: []string{"aa:02", "aa:03"}},
			{devices: []string{"aa:01", "aa:02", "aa:03"}},
		},
		onCall: func(calls int) {
			if calls == 4 {
				cancel()
			}
		},
	}
	bus := events.New()
	sub := bus.Subscribe(32)
	defer sub.Close()

	d := &recordingDispatcher{}
	p, _ := newTestPoller(l, d, bus)
	p.Run(ctx)

	want := []devices.Transition{
		{Device: "AA:01", Kind: devices.KindNew},
		{Device: "AA:02", Kind: devices.KindNew},
		{Device: "AA:01", Kind: devices.KindDisconnected},
		{Device: "AA:03", Kind: devices.KindNew},
		{Device: "AA:01", Kind: devices.KindConnected},
	}
	if !slices.Equal(d.got, want) {
		t.Errorf("dispatched %v, want %v", d.got, want)
	}

	var kinds []string
	for len(sub.C) > 0 {
		kinds = append(kinds, (<-sub.C).Kind)
	}
	wantKinds := []string{
		events.KindDiscovered, events.KindDiscovered,
		events.KindDisconnected, events.KindDiscovered,
		events.KindConnected,
	}
	if !slices.Equal(kinds, wantKinds) {
		t.Errorf("bus kinds = %v, want %v", kinds, wantKinds)
	}
}

func TestRun_DispatchErrorsDoNotCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alternate snapshots so every cycle produces a failing dispatch.
	var script []result
	for i := range 12 {
		if i%2 == 0 {
			script = append(script, result{devices: []string{"A"}})
		} else {
			script = append(script, result{devices: []string{}})
		}
	}
	l := &scriptedLister{
		results: script,
		onCall: func(calls int) {
			if calls == 12 {
				cancel()
			}
		},
	}

	d := &recordingDispatcher{fail: true}
	p, _ := newTestPoller(l, d, nil)

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := l.count(); got != 12 {
		t.Errorf("lister called %d times, want 12", got)
	}
	if len(d.got) != 12 {
		t.Errorf("dispatch attempts = %d, want 12", len(d.got))
	}
}

func TestRun_PublishesPollFailures(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(8)
	defer sub.Close()

	p, _ := newTestPoller(&scriptedLister{results: failures(1)}, nil, bus)
	p.Run(context.Background())

	if got := len(sub.C); got != 5 {
		t.Fatalf("poll failure events = %d, want 5", got)
	}
	last := 0
	for len(sub.C) > 0 {
		e := <-sub.C
		if e.Kind != events.KindPollFailed {
			t.Errorf("kind = %q", e.Kind)
		}
		last = e.Failures
	}
	if last != 5 {
		t.Errorf("last failure count = %d, want 5", last)
	}
}

func TestRun_CancelledBeforeFirstTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &scriptedLister{results: []result{{devices: []string{"A"}}}, onCall: func(int) { cancel() }}
	p := New(Config{Lister: l, Registry: devices.NewRegistry(), Interval: time.Hour, Logger: quietLogger()})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe cancellation")
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{Registry: devices.NewRegistry()})
	if p.cfg.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", p.cfg.Interval, DefaultInterval)
	}
	if p.cfg.MaxFailures != DefaultMaxFailures {
		t.Errorf("MaxFailures = %d, want %d", p.cfg.MaxFailures, DefaultMaxFailures)
	}
}
