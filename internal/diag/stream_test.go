package diag

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/busview/internal/bus"
)

// reply wraps data in a valid response frame payload.
func reply(data []byte) []byte {
	return bus.MakeReply(1, data).Payload
}

// sizedBlock renders marker + LE length + content.
func sizedBlock(content []byte) []byte {
	out := []byte{0x01, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(content)))
	return append(out, content...)
}

func TestAcceptValidation(t *testing.T) {
	s := NewStream()

	assert.False(t, s.Accept(nil))
	assert.False(t, s.Accept([]byte{bus.DiagReply, bus.DiagChannel})) // short
	assert.False(t, s.Accept([]byte{0x40, bus.DiagChannel, 1, 'x'})) // wrong marker
	assert.False(t, s.Accept([]byte{bus.DiagReply, 0x02, 1, 'x'}))   // wrong channel
	assert.False(t, s.Accept([]byte{bus.DiagReply, bus.DiagChannel, 5, 'x'})) // len > present
	assert.False(t, s.Accept([]byte{bus.DiagReply, bus.DiagChannel, 62}))     // len > cap
	assert.Equal(t, 0, s.buffered())

	// Zero-length payloads are valid but carry no data.
	assert.False(t, s.Accept(reply(nil)))
	assert.Equal(t, 0, s.buffered())

	assert.True(t, s.Accept(reply([]byte("hi"))))
	assert.Equal(t, 2, s.buffered())
}

func TestReadLine(t *testing.T) {
	s := NewStream()
	s.Accept(reply([]byte("  \r\nhello  \r\nworld")))

	ctx := context.Background()
	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", line) // blank line skipped, whitespace trimmed

	// "world" has no terminator yet; a later frame completes it.
	done := make(chan string, 1)
	go func() {
		l, err := s.ReadLine(ctx)
		require.NoError(t, err)
		done <- l
	}()
	time.Sleep(10 * time.Millisecond)
	s.Accept(reply([]byte("!\n")))
	select {
	case l := <-done:
		assert.Equal(t, "world!", l)
	case <-time.After(time.Second):
		t.Fatal("reader not woken by accept")
	}
}

func TestReadLineCancel(t *testing.T) {
	s := NewStream()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ReadLine(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock reader")
	}
}

func TestReadSizedBlock(t *testing.T) {
	s := NewStream()
	ctx := context.Background()
	content := []byte(`{"voltage":24}`)
	full := sizedBlock(content)

	// Arrives split across frames; the reader assembles it.
	done := make(chan []byte, 1)
	go func() {
		b, err := s.ReadSizedBlock(ctx)
		require.NoError(t, err)
		done <- b
	}()
	s.Accept(reply(full[:3]))
	time.Sleep(5 * time.Millisecond)
	// The rest of the block arrives with trailing bytes behind it.
	s.Accept(reply(append(full[3:], []byte("tail")...)))
	select {
	case b := <-done:
		assert.Equal(t, content, b)
	case <-time.After(time.Second):
		t.Fatal("block never completed")
	}
	// Exactly the block was consumed; the trailing bytes remain.
	assert.Equal(t, 4, s.buffered())
}

func TestReadSizedBlockTooLarge(t *testing.T) {
	s := NewStream()
	header := []byte{0x01, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(header[1:5], MaxBlockLen+1)
	s.Accept(reply(header))

	_, err := s.ReadSizedBlock(context.Background())
	assert.ErrorIs(t, err, ErrBlockTooLarge)
	// Nothing consumed; the caller decides how to recover.
	assert.Equal(t, 5, s.buffered())
}

func TestResynchronize(t *testing.T) {
	s := NewStream()
	s.Accept(reply([]byte{0xFF, 0xFE, 0x01}))

	done := make(chan error, 1)
	go func() { done <- s.Resynchronize(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	// Still-arriving garbage keeps the resync waiting.
	s.Accept(reply([]byte{0xFD}))
	time.Sleep(10 * time.Millisecond)

	// A wake-up with no growth ends the burst; everything is dropped.
	s.Accept(reply(nil))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resynchronize never returned")
	}
	assert.Equal(t, 0, s.buffered())
}

type captureTransport struct {
	mu     sync.Mutex
	frames []bus.Frame
}

func (c *captureTransport) Send(f bus.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureTransport) Receive(timeout time.Duration) (bus.Frame, bool, error) {
	return bus.Frame{}, false, nil
}

func (c *captureTransport) Close() error { return nil }

func TestFlushOnceChunks(t *testing.T) {
	s := NewStream()
	tr := &captureTransport{}

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	s.Write(data)

	require.NoError(t, s.FlushOnce(tr, 5, 61))
	require.NoError(t, s.FlushOnce(tr, 5, 61))
	require.NoError(t, s.FlushOnce(tr, 5, 61)) // empty: no frame

	require.Len(t, tr.frames, 2)
	assert.Equal(t, byte(61), tr.frames[0].Payload[2])
	assert.Equal(t, byte(39), tr.frames[1].Payload[2])
	assert.Equal(t, data[:61], tr.frames[0].Payload[3:])
	assert.Equal(t, data[61:], tr.frames[1].Payload[3:])

	polls, emits := s.Counters()
	assert.Equal(t, 0, polls)
	assert.Equal(t, 2, emits)

	s.NotePoll()
	polls, _ = s.Counters()
	assert.Equal(t, 1, polls)
}
