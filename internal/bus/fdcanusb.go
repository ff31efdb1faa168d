package bus

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// Fdcanusb drives an fdcanusb-style USB/CAN-FD adapter over its CDC ACM
// serial port. The adapter speaks a line protocol:
//
//	host:    can send <hex-id> <hex-data>\r\n
//	adapter: OK\r\n                       (ack for a send)
//	adapter: rcv <hex-id> <hex-data> ...\r\n  (asynchronous bus traffic)
//
// Anything else the adapter prints (version banners, error chatter) is
// logged and skipped.
type Fdcanusb struct {
	portPath string
	baudRate int
	port     serial.Port
	log      zerolog.Logger

	// Unconsumed bytes read from the port but not yet split into lines.
	pending []byte
}

// FdcanusbConfig holds connection settings for the adapter.
type FdcanusbConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

const fdcanusbDrainTimeout = 500 * time.Millisecond

// OpenFdcanusb opens the adapter port and drains any stale output.
func OpenFdcanusb(cfg FdcanusbConfig, log zerolog.Logger) (*Fdcanusb, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("fdcanusb: failed to open %s: %w", cfg.PortPath, err)
	}
	f := &Fdcanusb{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		port:     port,
		log:      log,
	}
	f.drain()
	log.Info().Str("port", cfg.PortPath).Int("baud", cfg.BaudRate).Msg("fdcanusb opened")
	return f, nil
}

// drain reads and discards whatever the adapter buffered before we attached.
func (f *Fdcanusb) drain() {
	f.port.ResetInputBuffer()
	f.port.SetReadTimeout(50 * time.Millisecond)
	buf := make([]byte, 256)
	total := 0
	deadline := time.Now().Add(fdcanusbDrainTimeout)
	for time.Now().Before(deadline) {
		n, _ := f.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		f.log.Debug().Int("bytes", total).Msg("drained stale adapter output")
	}
	f.pending = nil
}

// Send transmits one frame as a "can send" line. The adapter's OK ack is
// consumed later by the receive path.
func (f *Fdcanusb) Send(frame Frame) error {
	line := formatCanSend(frame)
	if _, err := f.port.Write([]byte(line)); err != nil {
		return fmt.Errorf("fdcanusb: write failed: %w", err)
	}
	return nil
}

// Receive returns the next bus frame, waiting up to timeout. Non-frame lines
// from the adapter (acks, banners) are skipped without consuming the caller's
// patience beyond the shared deadline.
func (f *Fdcanusb) Receive(timeout time.Duration) (Frame, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		line, ok, err := f.readLine(deadline)
		if err != nil {
			return Frame{}, false, err
		}
		if !ok {
			return Frame{}, false, nil
		}
		frame, ok, err := parseRcvLine(line)
		if err != nil {
			f.log.Debug().Str("line", line).Err(err).Msg("bad rcv line from adapter")
			continue
		}
		if !ok {
			// OK ack or other adapter chatter.
			continue
		}
		return frame, true, nil
	}
}

// readLine accumulates port bytes until a newline or the deadline.
func (f *Fdcanusb) readLine(deadline time.Time) (string, bool, error) {
	for {
		if i := indexNewline(f.pending); i >= 0 {
			line := strings.TrimRight(string(f.pending[:i]), "\r\n")
			f.pending = f.pending[i+1:]
			if line == "" {
				continue
			}
			return line, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		f.port.SetReadTimeout(remaining)
		buf := make([]byte, 256)
		n, err := f.port.Read(buf)
		if err != nil {
			return "", false, fmt.Errorf("fdcanusb: read failed: %w", err)
		}
		if n == 0 {
			return "", false, nil
		}
		f.pending = append(f.pending, buf[:n]...)
	}
}

func (f *Fdcanusb) Close() error {
	if f.port == nil {
		return nil
	}
	err := f.port.Close()
	f.port = nil
	return err
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return i
		}
	}
	return -1
}

// formatCanSend renders one frame as an adapter command line.
func formatCanSend(frame Frame) string {
	return fmt.Sprintf("can send %04X %s\r\n",
		arbitrationID(frame), strings.ToUpper(hex.EncodeToString(frame.Payload)))
}

// parseRcvLine decodes an "rcv <id> <data> [flags...]" line. ok is false for
// lines that are valid adapter output but not bus frames.
func parseRcvLine(line string) (Frame, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "rcv" {
		return Frame{}, false, nil
	}
	if len(fields) < 3 {
		return Frame{}, false, fmt.Errorf("short rcv line")
	}
	id, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return Frame{}, false, fmt.Errorf("bad arbitration id %q: %w", fields[1], err)
	}
	payload, err := hex.DecodeString(fields[2])
	if err != nil {
		return Frame{}, false, fmt.Errorf("bad payload %q: %w", fields[2], err)
	}
	return frameFromID(uint32(id), payload), true, nil
}
