// Package diag implements the per-device diagnostic stream protocol: a
// reliable ordered byte stream reassembled from bus frames, and the
// line-oriented command protocol the controllers speak on top of it.
package diag

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"

	"github.com/shaunagostinho/busview/internal/bus"
)

// MaxBlockLen caps a sized block's declared length. Anything larger is a
// protocol violation, not a block we should wait for.
const MaxBlockLen = 1 << 24

// ErrBlockTooLarge reports a sized block whose declared length exceeds
// MaxBlockLen. The buffered bytes are left untouched; the caller must
// resynchronize or abandon the exchange.
var ErrBlockTooLarge = errors.New("diag: sized block length over limit")

// Stream is one device's buffered duplex byte stream. The scheduler is the
// only producer (Accept, FlushOnce, NotePoll) and the device's session is
// the only consumer (ReadLine, ReadSizedBlock, Resynchronize); the two sides
// are coupled solely through the condition variable, with every append
// completing before the broadcast so a late-arriving waiter still observes
// the bytes on its next check.
type Stream struct {
	mu   sync.Mutex
	cond *sync.Cond

	rd []byte // inbound: validated response payload bytes
	wr []byte // outbound: queued command bytes awaiting flush

	pollCount int // polls issued for this device, start-up liveness only
	emitCount int // write frames flushed, start-up liveness only
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write queues data for transmission. There is no upper bound; callers are
// trusted not to flood it.
func (s *Stream) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wr = append(s.wr, data...)
}

// FlushOnce pops at most maxChunk queued bytes and sends them to dest as one
// write frame. A no-op when nothing is queued. Flushing bumps the emit
// counter used by the start-up liveness gate.
func (s *Stream) FlushOnce(t bus.Transport, dest uint8, maxChunk int) error {
	s.mu.Lock()
	if len(s.wr) == 0 {
		s.mu.Unlock()
		return nil
	}
	if maxChunk <= 0 || maxChunk > bus.MaxDiagPayload {
		maxChunk = bus.MaxDiagPayload
	}
	n := len(s.wr)
	if n > maxChunk {
		n = maxChunk
	}
	chunk := make([]byte, n)
	copy(chunk, s.wr[:n])
	s.wr = s.wr[n:]
	s.emitCount++
	s.mu.Unlock()

	return t.Send(bus.MakeWrite(dest, chunk))
}

// NotePoll records that the scheduler polled this device.
func (s *Stream) NotePoll() {
	s.mu.Lock()
	s.pollCount++
	s.mu.Unlock()
}

// Counters reports how many polls and flushes this stream has seen. The
// session's start-up gate waits on these before trusting the device to be
// responsive.
func (s *Stream) Counters() (polls, emits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCount, s.emitCount
}

// Accept validates one response frame payload and appends its data bytes.
// Malformed payloads — wrong marker, wrong channel, length over the chunk
// cap or beyond the actual bytes present — are misrouted or corrupted
// frames and are dropped silently. Returns whether nonzero bytes were
// appended, which the scheduler uses to detect that the device produced
// data this cycle.
func (s *Stream) Accept(payload []byte) bool {
	if len(payload) < 3 {
		return false
	}
	if payload[0] != bus.DiagReply || payload[1] != bus.DiagChannel {
		return false
	}
	n := int(payload[2])
	if n > bus.MaxDiagPayload || n > len(payload)-3 {
		return false
	}

	s.mu.Lock()
	s.rd = append(s.rd, payload[3:3+n]...)
	s.cond.Broadcast()
	s.mu.Unlock()

	return n > 0
}

// DiscardAll drops everything buffered for reading.
func (s *Stream) DiscardAll() {
	s.mu.Lock()
	s.rd = nil
	s.mu.Unlock()
}

// ReadLine blocks until a CR or LF is buffered, then returns the bytes
// before it with trailing whitespace stripped. Empty lines are skipped; the
// call does not return until a non-empty line arrives, so it can block
// forever if the device stops talking. Only ctx cancellation interrupts it.
func (s *Stream) ReadLine(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { s.cond.Broadcast() })
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for {
			line, ok := s.takeLineLocked()
			if !ok {
				break
			}
			line = strings.TrimRight(line, " \t\r\n")
			if line != "" {
				return line, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		s.cond.Wait()
	}
}

// takeLineLocked splits off the bytes up to and including the first CR/LF.
func (s *Stream) takeLineLocked() (string, bool) {
	for i, c := range s.rd {
		if c == '\r' || c == '\n' {
			line := string(s.rd[:i+1])
			s.rd = s.rd[i+1:]
			return line, true
		}
	}
	return "", false
}

// Resynchronize blocks until one full wake-up cycle passes with no growth in
// the inbound buffer, then discards everything buffered. A quiescent cycle
// means the noise burst that desynchronized the stream has ended.
func (s *Stream) Resynchronize(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.cond.Broadcast() })
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		oldLen := len(s.rd)
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(s.rd) == oldLen {
			s.rd = nil
			return nil
		}
	}
}

// ReadSizedBlock blocks until a complete length-prefixed block is buffered
// and returns its content. Layout: one marker byte, little-endian uint32
// length, then the content. A declared length over MaxBlockLen fails
// immediately without consuming anything.
func (s *Stream) ReadSizedBlock(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { s.cond.Broadcast() })
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.rd) >= 5 {
			size := int(binary.LittleEndian.Uint32(s.rd[1:5]))
			if size > MaxBlockLen {
				return nil, ErrBlockTooLarge
			}
			if len(s.rd) >= 5+size {
				block := make([]byte, size)
				copy(block, s.rd[5:5+size])
				s.rd = s.rd[5+size:]
				return block, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
}

// buffered reports the inbound buffer length; test hook.
func (s *Stream) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rd)
}
