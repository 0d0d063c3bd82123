// Package zombie finds resources that stayed open past their expected
// lifetime and optionally forces them closed.
package zombie

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/albertbausili/conduit/internal/httperr"
	"github.com/albertbausili/conduit/internal/resource"
)

// Defaults applied by New when Config leaves them zero.
const (
	DefaultThreshold = 30 * time.Second
	DefaultInterval  = 5 * time.Second
)

// Clock is the time source. Tests inject a fake.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Reaper force-closes a handle. *resource.Table satisfies it.
type Reaper interface {
	Reap(h resource.Handle, cause error) error
}

// Record is the bookkeeping for one live handle.
type Record struct {
	ConnID     string
	RequestID  uint64
	Handle     resource.Handle
	Kind       resource.Kind
	Created    time.Time
	LastState  resource.State
	LastChange time.Time
	Reported   bool
}

// Report is one leak finding.
type Report struct {
	ConnID    string
	RequestID uint64
	Handle    resource.Handle
	Kind      resource.Kind
	State     resource.State
	Age       time.Duration
	// Closed is true when the sweep reaped the handle.
	Closed bool
}

// Config tunes a Tracker.
type Config struct {
	Threshold  time.Duration
	Interval   time.Duration
	ForceClose bool
	Clock      Clock
	// Reaper is required when ForceClose is set.
	Reaper Reaper
	// OnReport is called once per finding, outside the tracker lock.
	OnReport func(Report)
}

// Tracker implements resource.Observer.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	records map[resource.Handle]*Record
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &Tracker{
		cfg:     cfg,
		records: make(map[resource.Handle]*Record),
	}
}

// Observe consumes a table event.
func (t *Tracker) Observe(ev resource.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case resource.EventAllocated:
		t.records[ev.Handle] = &Record{
			ConnID:     ev.Meta.ConnID,
			RequestID:  ev.Meta.RequestID,
			Handle:     ev.Handle,
			Kind:       ev.Kind,
			Created:    ev.At,
			LastState:  ev.State,
			LastChange: ev.At,
		}
	case resource.EventStateChanged:
		rec, ok := t.records[ev.Handle]
		if !ok {
			return
		}
		rec.LastState = ev.State
		rec.LastChange = ev.At
		if ev.State.Terminal() {
			delete(t.records, ev.Handle)
		}
	case resource.EventReleased:
		delete(t.records, ev.Handle)
	}
}

// Len returns the number of tracked handles.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Records returns a snapshot ordered by creation time.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Sweep reports every record that is older than the threshold and not yet
// reported. Each record is reported at most once. With ForceClose the
// handles are reaped with a ResourceLeakDetected cause.
func (t *Tracker) Sweep(now time.Time) []Report {
	t.mu.Lock()
	var found []Report
	for _, rec := range t.records {
		// Upgraded channels leave the HTTP model; their lifetime belongs to
		// the upgraded protocol.
		if rec.Reported || rec.LastState.Terminal() || rec.Kind == resource.KindDuplex {
			continue
		}
		age := now.Sub(rec.Created)
		if age < t.cfg.Threshold {
			continue
		}
		rec.Reported = true
		found = append(found, Report{
			ConnID:    rec.ConnID,
			RequestID: rec.RequestID,
			Handle:    rec.Handle,
			Kind:      rec.Kind,
			State:     rec.LastState,
			Age:       age,
		})
	}
	t.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].Handle < found[j].Handle })

	for i := range found {
		r := &found[i]
		if t.cfg.ForceClose && t.cfg.Reaper != nil {
			cause := &httperr.Error{
				Kind:      httperr.KindResourceLeak,
				Op:        "zombie sweep",
				ConnID:    r.ConnID,
				RequestID: r.RequestID,
			}
			// A handle released between the scan and here is no longer a leak.
			r.Closed = t.cfg.Reaper.Reap(r.Handle, cause) == nil
		}
		if t.cfg.OnReport != nil {
			t.cfg.OnReport(*r)
		}
	}
	return found
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	tk := t.cfg.Clock.NewTicker(t.cfg.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tk.C():
			t.Sweep(now)
		}
	}
}
