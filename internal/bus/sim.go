package bus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sim is an in-memory Transport backed by scripted devices. It is used by
// the -demo mode and by tests; no serial hardware is involved. Devices
// answer polls synchronously, so a Send immediately makes any response
// frames available to Receive.
type Sim struct {
	mu      sync.Mutex
	devices map[uint8]*SimDevice
	order   []uint8
	frames  chan Frame
}

// NewSim creates an empty simulated bus.
func NewSim() *Sim {
	return &Sim{
		devices: make(map[uint8]*SimDevice),
		frames:  make(chan Frame, 256),
	}
}

// Attach adds a device to the bus.
func (s *Sim) Attach(d *SimDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.id] = d
	s.order = append(s.order, d.id)
}

// Device returns an attached device by id, or nil.
func (s *Sim) Device(id uint8) *SimDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[id]
}

func (s *Sim) Send(f Frame) error {
	s.mu.Lock()
	dev := s.devices[f.Dest]
	s.mu.Unlock()
	if dev == nil || len(f.Payload) == 0 {
		return nil
	}
	switch f.Payload[0] {
	case DiagWrite:
		if len(f.Payload) < 3 || f.Payload[1] != DiagChannel {
			return nil
		}
		n := int(f.Payload[2])
		if n > len(f.Payload)-3 {
			n = len(f.Payload) - 3
		}
		dev.accept(f.Payload[3 : 3+n])
	case DiagPoll:
		if len(f.Payload) < 3 || f.Payload[1] != DiagChannel {
			return nil
		}
		if reply, ok := dev.poll(int(f.Payload[2])); ok {
			select {
			case s.frames <- reply:
			default:
			}
		}
	}
	return nil
}

func (s *Sim) Receive(timeout time.Duration) (Frame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-s.frames:
		return f, true, nil
	case <-timer.C:
		return Frame{}, false, nil
	}
}

func (s *Sim) Close() error { return nil }

// SimChannel is one telemetry channel of a simulated device.
type SimChannel struct {
	Schema []byte                 // schema blob handed out by "tel schema"
	Sample func(t float64) []byte // data blob generator

	rateHz   int
	lastEmit time.Time
}

// SimDevice scripts the device side of the diagnostic text protocol: it
// consumes command lines written by the host and produces response bytes
// that are handed back in ≤61-byte chunks as polls arrive.
type SimDevice struct {
	id uint8

	mu       sync.Mutex
	in       bytes.Buffer // partial command line bytes
	out      bytes.Buffer // stream bytes awaiting polls
	config   map[string]string
	groups   []string // config group names, in "conf list" order
	channels map[string]*SimChannel
	chanIdx  []string
	legacy   bool // refuse schema-based config enumeration
	muted    bool // swallow polls entirely (device appears dead)
	started  time.Time
}

// NewSimDevice creates a bare device with no config and no channels.
func NewSimDevice(id uint8) *SimDevice {
	return &SimDevice{
		id:       id,
		config:   make(map[string]string),
		channels: make(map[string]*SimChannel),
		started:  time.Now(),
	}
}

// SetLegacy makes the device reject "conf list" the way pre-schema firmware
// does, forcing clients onto "conf enumerate".
func (d *SimDevice) SetLegacy(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legacy = on
}

// Mute stops the device answering polls. Writes are still consumed.
func (d *SimDevice) Mute(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = on
}

// AddConfig registers one flat config entry. The dotted key's first segment
// is its group for schema-based enumeration.
func (d *SimDevice) AddConfig(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config[key] = value
	group, _, _ := strings.Cut(key, ".")
	for _, g := range d.groups {
		if g == group {
			return
		}
	}
	d.groups = append(d.groups, group)
}

// ConfigValue reads back a config entry; used by tests to observe conf set.
func (d *SimDevice) ConfigValue(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config[key]
}

// AddChannel registers a telemetry channel.
func (d *SimDevice) AddChannel(name string, ch *SimChannel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[name] = ch
	d.chanIdx = append(d.chanIdx, name)
}

// accept consumes host stream bytes, executing each completed command line.
func (d *SimDevice) accept(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.in.Write(data)
	for {
		raw := d.in.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimRight(string(raw[:i]), "\r")
		d.in.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}
		d.execute(strings.TrimSpace(line))
	}
}

// poll emits due telemetry, then hands back up to max buffered bytes.
// The second return is false when the device is muted: no reply at all.
func (d *SimDevice) poll(max int) (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.muted {
		return Frame{}, false
	}
	d.emitDue()
	if max <= 0 || max > MaxDiagPayload {
		max = MaxDiagPayload
	}
	n := d.out.Len()
	if n > max {
		n = max
	}
	chunk := make([]byte, n)
	d.out.Read(chunk)
	return MakeReply(d.id, chunk), true
}

func (d *SimDevice) emitDue() {
	now := time.Now()
	t := now.Sub(d.started).Seconds()
	for _, name := range d.chanIdx {
		ch := d.channels[name]
		if ch.rateHz <= 0 || ch.Sample == nil {
			continue
		}
		period := time.Second / time.Duration(ch.rateHz)
		if now.Sub(ch.lastEmit) < period {
			continue
		}
		ch.lastEmit = now
		fmt.Fprintf(&d.out, "emit %s\r\n", name)
		writeSizedBlock(&d.out, ch.Sample(t))
	}
}

func (d *SimDevice) execute(line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "tel":
		d.executeTel(rest)
	case "conf":
		d.executeConf(rest)
	case "d":
		// Motion commands are accepted and ignored by the sim.
		d.out.WriteString("OK\r\n")
	default:
		fmt.Fprintf(&d.out, "ERR unknown command '%s'\r\n", cmd)
	}
}

func (d *SimDevice) executeTel(rest string) {
	verb, arg, _ := strings.Cut(rest, " ")
	switch verb {
	case "stop":
		for _, ch := range d.channels {
			ch.rateHz = 0
		}
		d.out.WriteString("OK\r\n")
	case "list":
		for _, name := range d.chanIdx {
			d.out.WriteString(name + "\r\n")
		}
		d.out.WriteString("OK\r\n")
	case "schema":
		ch := d.channels[arg]
		if ch == nil {
			fmt.Fprintf(&d.out, "ERR unknown channel '%s'\r\n", arg)
			return
		}
		fmt.Fprintf(&d.out, "schema %s\r\n", arg)
		writeSizedBlock(&d.out, ch.Schema)
	case "fmt":
		d.out.WriteString("OK\r\n")
	case "rate":
		name, hzArg, _ := strings.Cut(arg, " ")
		ch := d.channels[name]
		if ch == nil {
			fmt.Fprintf(&d.out, "ERR unknown channel '%s'\r\n", name)
			return
		}
		hz, err := strconv.Atoi(strings.TrimSpace(hzArg))
		if err != nil || hz < 0 {
			fmt.Fprintf(&d.out, "ERR invalid rate '%s'\r\n", hzArg)
			return
		}
		ch.rateHz = hz
		ch.lastEmit = time.Time{}
		d.out.WriteString("OK\r\n")
	default:
		fmt.Fprintf(&d.out, "ERR unknown tel verb '%s'\r\n", verb)
	}
}

func (d *SimDevice) executeConf(rest string) {
	verb, arg, _ := strings.Cut(rest, " ")
	switch verb {
	case "list":
		if d.legacy {
			d.out.WriteString("ERR unknown command\r\n")
			return
		}
		for _, g := range d.groups {
			d.out.WriteString(g + "\r\n")
		}
		d.out.WriteString("OK\r\n")
	case "schema":
		if d.legacy || !d.hasGroup(arg) {
			fmt.Fprintf(&d.out, "ERR unknown group '%s'\r\n", arg)
			return
		}
		fmt.Fprintf(&d.out, "cschema %s\r\n", arg)
		writeSizedBlock(&d.out, d.groupSchema(arg))
	case "data":
		if d.legacy || !d.hasGroup(arg) {
			fmt.Fprintf(&d.out, "ERR unknown group '%s'\r\n", arg)
			return
		}
		fmt.Fprintf(&d.out, "cdata %s\r\n", arg)
		writeSizedBlock(&d.out, d.groupData(arg))
	case "enumerate":
		for _, key := range d.sortedKeys() {
			fmt.Fprintf(&d.out, "%s %s\r\n", key, d.config[key])
		}
		d.out.WriteString("OK\r\n")
	case "set":
		key, value, ok := strings.Cut(arg, " ")
		if !ok {
			d.out.WriteString("ERR missing value\r\n")
			return
		}
		if _, exists := d.config[key]; !exists {
			fmt.Fprintf(&d.out, "ERR unknown key '%s'\r\n", key)
			return
		}
		d.config[key] = value
		d.out.WriteString("OK\r\n")
	default:
		fmt.Fprintf(&d.out, "ERR unknown conf verb '%s'\r\n", verb)
	}
}

func (d *SimDevice) hasGroup(name string) bool {
	for _, g := range d.groups {
		if g == name {
			return true
		}
	}
	return false
}

// groupSchema builds a flat object schema of float fields for one group.
// All sim config values are numeric, which keeps the blob trivial.
func (d *SimDevice) groupSchema(group string) []byte {
	var fields []string
	for _, key := range d.sortedKeys() {
		if g, rest, _ := strings.Cut(key, "."); g == group {
			fields = append(fields,
				fmt.Sprintf(`{"name":%q,"type":{"kind":"float"}}`, rest))
		}
	}
	return []byte(fmt.Sprintf(`{"kind":"object","fields":[%s]}`,
		strings.Join(fields, ",")))
}

func (d *SimDevice) groupData(group string) []byte {
	var parts []string
	for _, key := range d.sortedKeys() {
		if g, rest, _ := strings.Cut(key, "."); g == group {
			parts = append(parts, fmt.Sprintf("%q:%s", rest, d.config[key]))
		}
	}
	return []byte("{" + strings.Join(parts, ",") + "}")
}

func (d *SimDevice) sortedKeys() []string {
	keys := make([]string, 0, len(d.config))
	for k := range d.config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeSizedBlock appends a length-prefixed binary block: one marker byte,
// little-endian uint32 length, then the content.
func writeSizedBlock(buf *bytes.Buffer, content []byte) {
	buf.WriteByte(0x01)
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(content)))
	buf.Write(size[:])
	buf.Write(content)
}

// NewDemoDevice builds a device resembling a small servo controller: two
// telemetry channels streaming smooth waveforms and a pair of config groups.
func NewDemoDevice(id uint8) *SimDevice {
	d := NewSimDevice(id)

	d.AddConfig("servo.kp", "4.0")
	d.AddConfig("servo.kd", "0.05")
	d.AddConfig("servo.max_current_A", "12.0")
	d.AddConfig("servopos.position_min", "-1.0")
	d.AddConfig("servopos.position_max", "1.0")

	d.AddChannel("servo_stats", &SimChannel{
		Schema: []byte(`{"kind":"object","fields":[
			{"name":"position","type":{"kind":"float"}},
			{"name":"velocity","type":{"kind":"float"}},
			{"name":"torque","type":{"kind":"float"}},
			{"name":"mode","type":{"kind":"enum","values":{"0":"stopped","5":"pwm","10":"position"}}},
			{"name":"fault","type":{"kind":"int"}}]}`),
		Sample: func(t float64) []byte {
			return []byte(fmt.Sprintf(
				`{"position":%.4f,"velocity":%.4f,"torque":%.4f,"mode":10,"fault":0}`,
				sine(t, 0.5, 0.8), sine(t+0.25, 0.5, 2.5), sine(t, 1.3, 0.2)))
		},
	})
	d.AddChannel("power", &SimChannel{
		Schema: []byte(`{"kind":"object","fields":[
			{"name":"voltage","type":{"kind":"float"}},
			{"name":"temperature","type":{"kind":"float"}}]}`),
		Sample: func(t float64) []byte {
			return []byte(fmt.Sprintf(`{"voltage":%.2f,"temperature":%.1f}`,
				24.0+sine(t, 0.05, 0.3), 38.0+sine(t, 0.02, 4.0)))
		},
	})
	return d
}

func sine(t, hz, amplitude float64) float64 {
	return amplitude * math.Sin(2*math.Pi*hz*t)
}
