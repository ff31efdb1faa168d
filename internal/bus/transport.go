// Package bus provides the shared half-duplex frame transport used to reach
// every controller on the diagnostic bus. All devices share one Transport;
// addressing is carried inside each Frame rather than by separate handles.
package bus

import "time"

// Frame is one transport-level unit: a poll request, a write chunk, or a
// response, addressed to a single device.
type Frame struct {
	Source  uint8  // Sending node id (0 for the host)
	Dest    uint8  // Receiving node id (0 for the host)
	Payload []byte // At most 64 bytes on CAN-FD
}

// Transport is the raw shared bus handle. It is owned and driven exclusively
// by the scheduler; sessions never touch it.
type Transport interface {
	// Send transmits one frame.
	Send(f Frame) error
	// Receive waits up to timeout for the next inbound frame. ok is false
	// when the timeout elapsed with nothing to deliver; that is not an
	// error — the caller treats it as a backoff signal.
	Receive(timeout time.Duration) (f Frame, ok bool, err error)
	// Close releases the underlying port.
	Close() error
}

// arbitrationID packs source and destination node ids into a CAN arbitration
// id the way the controllers expect: destination in the low byte, source in
// bits 8..15.
func arbitrationID(f Frame) uint32 {
	return uint32(f.Source)<<8 | uint32(f.Dest)
}

// frameFromID is the inverse of arbitrationID.
func frameFromID(id uint32, payload []byte) Frame {
	return Frame{
		Source:  uint8(id >> 8),
		Dest:    uint8(id),
		Payload: payload,
	}
}
