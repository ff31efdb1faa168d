// Package sched owns the shared half-duplex transport: a single loop that
// flushes every device's queued writes, then polls each device for responses,
// with capped linear backoff for devices that stop answering.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/busview/internal/bus"
	"github.com/shaunagostinho/busview/internal/diag"
)

// Options tunes the polling loop. Zero values pick defaults.
type Options struct {
	// MaxSend caps the bytes flushed to one device per cycle.
	MaxSend int
	// MaxReceive is the byte budget advertised in each poll.
	MaxReceive int
	// PollTimeout bounds the wait for one device's response frame.
	PollTimeout time.Duration
	// IdleSleep is the pause inserted after a cycle in which no device
	// produced data, keeping an idle bus from spinning.
	IdleSleep time.Duration
	// BackoffCap bounds the per-device error count, and with it the number
	// of cycles a dead device is skipped between poll attempts.
	BackoffCap int
}

func (o Options) withDefaults() Options {
	if o.MaxSend <= 0 {
		o.MaxSend = bus.MaxDiagPayload
	}
	if o.MaxReceive <= 0 {
		o.MaxReceive = 48
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 100 * time.Millisecond
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 10 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 1000
	}
	return o
}

type device struct {
	addr   uint8
	stream *diag.Stream

	// errorCount and pollCount implement the backoff: after a timeout,
	// pollCount is reloaded from the incremented errorCount and counted
	// down one per cycle; the device is only polled when it reaches zero.
	errorCount int
	pollCount  int
}

// DeviceStatus is a point-in-time snapshot of one device's backoff state.
type DeviceStatus struct {
	Addr       uint8 `json:"addr"`
	ErrorCount int   `json:"error_count"`
	PollsLeft  int   `json:"polls_left"`
}

// Scheduler multiplexes any number of device streams over one transport.
// It is the transport's only user once Run starts.
type Scheduler struct {
	t    bus.Transport
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	devices []*device
	byAddr  map[uint8]*device
}

// New creates a scheduler over a transport.
func New(t bus.Transport, opts Options, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		t:      t,
		opts:   opts.withDefaults(),
		log:    log,
		byAddr: make(map[uint8]*device),
	}
}

// Add registers a device stream. Poll order follows registration order.
// Adding after Run has started is not supported.
func (s *Scheduler) Add(addr uint8, stream *diag.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &device{addr: addr, stream: stream}
	s.devices = append(s.devices, d)
	s.byAddr[addr] = d
}

// Snapshot reports every device's backoff state.
func (s *Scheduler) Snapshot() []DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceStatus, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, DeviceStatus{Addr: d.addr, ErrorCount: d.errorCount, PollsLeft: d.pollCount})
	}
	return out
}

// Run executes poll cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		anyData, err := s.cycle(ctx)
		if err != nil {
			return err
		}
		if !anyData {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.IdleSleep):
			}
		}
	}
}

// cycle flushes every device's queued writes, then polls each device in
// turn. All flushes complete before the first poll so one chatty responder
// cannot starve another device's outbound commands.
func (s *Scheduler) cycle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	devices := make([]*device, len(s.devices))
	copy(devices, s.devices)
	s.mu.Unlock()

	for _, d := range devices {
		if err := d.stream.FlushOnce(s.t, d.addr, s.opts.MaxSend); err != nil {
			return false, err
		}
	}

	anyData := false
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		s.mu.Lock()
		skip := d.pollCount > 0
		if skip {
			d.pollCount--
		}
		s.mu.Unlock()
		if skip {
			continue
		}

		got, err := s.pollOne(d)
		if err != nil {
			return false, err
		}
		anyData = anyData || got
	}
	return anyData, nil
}

// pollOne issues one poll to a device and waits for its response, routing
// any other device's frames that arrive in the meantime. A timeout bumps
// the device's backoff; a response resets it.
func (s *Scheduler) pollOne(d *device) (bool, error) {
	if err := s.t.Send(bus.MakePoll(d.addr, s.opts.MaxReceive)); err != nil {
		return false, err
	}
	d.stream.NotePoll()

	deadline := time.Now().Add(s.opts.PollTimeout)
	anyData := false
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		f, ok, err := s.t.Receive(remaining)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		// Frames are routed by source regardless of which device we are
		// waiting on; responses never get lost to timing.
		s.mu.Lock()
		src := s.byAddr[f.Source]
		s.mu.Unlock()
		if src == nil {
			s.log.Debug().Uint8("source", f.Source).Msg("frame from unknown device")
			continue
		}
		if src.stream.Accept(f.Payload) {
			anyData = true
		}
		if f.Source == d.addr {
			s.mu.Lock()
			d.errorCount = 0
			d.pollCount = 0
			s.mu.Unlock()
			return anyData, nil
		}
	}

	s.mu.Lock()
	if d.errorCount < s.opts.BackoffCap {
		d.errorCount++
	}
	d.pollCount = d.errorCount
	s.mu.Unlock()
	s.log.Debug().Uint8("addr", d.addr).Int("error_count", d.errorCount).Msg("poll timeout")
	return anyData, nil
}
