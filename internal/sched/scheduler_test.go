package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/busview/internal/bus"
	"github.com/shaunagostinho/busview/internal/diag"
)

// scriptTransport records every sent frame and hands back queued replies.
// Receive never blocks; an empty queue behaves as an instant timeout.
type scriptTransport struct {
	mu    sync.Mutex
	sent  []bus.Frame
	queue []bus.Frame

	// onPoll, when set, queues replies as polls arrive.
	onPoll func(dest uint8) []bus.Frame
}

func (s *scriptTransport) Send(f bus.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, f)
	if len(f.Payload) > 0 && f.Payload[0] == bus.DiagPoll && s.onPoll != nil {
		s.queue = append(s.queue, s.onPoll(f.Dest)...)
	}
	return nil
}

func (s *scriptTransport) Receive(timeout time.Duration) (bus.Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return bus.Frame{}, false, nil
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true, nil
}

func (s *scriptTransport) Close() error { return nil }

func (s *scriptTransport) sentKinds() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]byte, 0, len(s.sent))
	for _, f := range s.sent {
		kinds = append(kinds, f.Payload[0])
	}
	return kinds
}

func (s *scriptTransport) pollCount(dest uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.sent {
		if f.Dest == dest && f.Payload[0] == bus.DiagPoll {
			n++
		}
	}
	return n
}

func fastOptions() Options {
	return Options{PollTimeout: time.Millisecond, IdleSleep: time.Millisecond}
}

func TestCycleFlushesAllBeforePolling(t *testing.T) {
	tr := &scriptTransport{}
	s := New(tr, fastOptions(), zerolog.Nop())

	for _, addr := range []uint8{1, 2} {
		st := diag.NewStream()
		st.Write([]byte("tel list\r\n"))
		s.Add(addr, st)
	}

	_, err := s.cycle(context.Background())
	require.NoError(t, err)

	kinds := tr.sentKinds()
	require.Len(t, kinds, 4)
	assert.Equal(t, []byte{bus.DiagWrite, bus.DiagWrite, bus.DiagPoll, bus.DiagPoll}, kinds)
}

func TestBackoffGrowsLinearlyAndSkips(t *testing.T) {
	tr := &scriptTransport{}
	s := New(tr, fastOptions(), zerolog.Nop())
	s.Add(1, diag.NewStream())

	ctx := context.Background()

	// Cycle 1: poll, timeout -> errorCount 1, one skip scheduled.
	_, err := s.cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.pollCount(1))
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].ErrorCount)
	assert.Equal(t, 1, snap[0].PollsLeft)

	// Cycle 2: skipped.
	_, err = s.cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.pollCount(1))

	// Cycle 3: polled again, timeout -> errorCount 2, two skips.
	_, err = s.cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.pollCount(1))
	snap = s.Snapshot()
	assert.Equal(t, 2, snap[0].ErrorCount)
	assert.Equal(t, 2, snap[0].PollsLeft)
}

func TestBackoffCapped(t *testing.T) {
	opts := fastOptions()
	opts.BackoffCap = 2
	tr := &scriptTransport{}
	s := New(tr, opts, zerolog.Nop())
	s.Add(1, diag.NewStream())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := s.cycle(ctx)
		require.NoError(t, err)
	}
	snap := s.Snapshot()
	assert.LessOrEqual(t, snap[0].ErrorCount, 2)
}

func TestSuccessResetsBackoff(t *testing.T) {
	tr := &scriptTransport{}
	s := New(tr, fastOptions(), zerolog.Nop())
	s.Add(1, diag.NewStream())

	ctx := context.Background()
	_, err := s.cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Snapshot()[0].ErrorCount)

	// Device comes back: next poll answered.
	tr.mu.Lock()
	tr.onPoll = func(dest uint8) []bus.Frame {
		return []bus.Frame{bus.MakeReply(dest, []byte("OK\r\n"))}
	}
	tr.mu.Unlock()

	_, err = s.cycle(ctx) // skip cycle
	require.NoError(t, err)
	got, err := s.cycle(ctx)
	require.NoError(t, err)
	assert.True(t, got)
	snap := s.Snapshot()
	assert.Equal(t, 0, snap[0].ErrorCount)
	assert.Equal(t, 0, snap[0].PollsLeft)
}

func TestPromiscuousRouting(t *testing.T) {
	tr := &scriptTransport{}
	s := New(tr, fastOptions(), zerolog.Nop())
	stream1 := diag.NewStream()
	stream2 := diag.NewStream()
	s.Add(1, stream1)
	s.Add(2, stream2)

	// Polling device 1 delivers device 2's frame first; both streams must
	// receive their bytes and device 1's poll still counts as answered.
	tr.onPoll = func(dest uint8) []bus.Frame {
		if dest != 1 {
			return nil
		}
		return []bus.Frame{
			bus.MakeReply(2, []byte("late\r\n")),
			bus.MakeReply(1, []byte("mine\r\n")),
		}
	}

	got, err := s.cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, got)

	line, err := stream1.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mine", line)
	line, err = stream2.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", line)

	snap := s.Snapshot()
	assert.Equal(t, 0, snap[0].ErrorCount)
}

func TestMutedDeviceDoesNotStarveOthers(t *testing.T) {
	sim := bus.NewSim()
	muted := bus.NewSimDevice(9)
	muted.Mute(true)
	sim.Attach(muted)
	live := bus.NewSimDevice(7)
	live.AddConfig("servo.kp", "4.0")
	sim.Attach(live)

	s := New(sim, Options{PollTimeout: 5 * time.Millisecond, IdleSleep: time.Millisecond}, zerolog.Nop())
	mutedStream := diag.NewStream()
	liveStream := diag.NewStream()
	s.Add(9, mutedStream)
	s.Add(7, liveStream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	liveStream.Write([]byte("conf enumerate\r\n"))

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	line, err := liveStream.ReadLine(readCtx)
	require.NoError(t, err)
	assert.Equal(t, "servo.kp 4.0", line)

	// The muted device accumulated backoff meanwhile.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, d := range s.Snapshot() {
			if d.Addr == 9 && d.ErrorCount > 0 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("muted device never accumulated backoff")
}
