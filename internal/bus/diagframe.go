package bus

// Diagnostic channel frame payloads. The controllers multiplex a byte stream
// over the bus inside fixed-shape payloads on channel 1:
//
//	0x40 <chan> <len> <data...>   host -> device stream bytes
//	0x41 <chan> <len> <data...>   device -> host stream bytes
//	0x42 <chan> <max>             host poll: send me up to <max> bytes
const (
	DiagWrite = 0x40
	DiagReply = 0x41
	DiagPoll  = 0x42

	// DiagChannel is the only stream channel the viewer uses.
	DiagChannel = 0x01

	// MaxDiagPayload is the most application bytes one frame can carry.
	MaxDiagPayload = 61
)

// MakePoll builds a poll request frame asking dest for up to maxReceive
// buffered stream bytes.
func MakePoll(dest uint8, maxReceive int) Frame {
	if maxReceive <= 0 || maxReceive > MaxDiagPayload {
		maxReceive = MaxDiagPayload
	}
	return Frame{
		Dest:    dest,
		Payload: []byte{DiagPoll, DiagChannel, byte(maxReceive)},
	}
}

// MakeWrite builds a write frame carrying up to MaxDiagPayload stream bytes
// for dest. Longer slices are truncated; callers chunk before calling.
func MakeWrite(dest uint8, data []byte) Frame {
	if len(data) > MaxDiagPayload {
		data = data[:MaxDiagPayload]
	}
	payload := make([]byte, 0, 3+len(data))
	payload = append(payload, DiagWrite, DiagChannel, byte(len(data)))
	payload = append(payload, data...)
	return Frame{Dest: dest, Payload: payload}
}

// MakeReply builds a device-side response frame. Used by the simulated
// transport and by tests; real devices produce these on the wire.
func MakeReply(source uint8, data []byte) Frame {
	if len(data) > MaxDiagPayload {
		data = data[:MaxDiagPayload]
	}
	payload := make([]byte, 0, 3+len(data))
	payload = append(payload, DiagReply, DiagChannel, byte(len(data)))
	payload = append(payload, data...)
	return Frame{Source: source, Payload: payload}
}
