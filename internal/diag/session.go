package diag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/busview/internal/telemetry"
)

// State names the session's bring-up phase.
type State int

const (
	StateAwaitingStable State = iota
	StateSyncingConfig
	StateSyncingTelemetry
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateAwaitingStable:
		return "awaiting_stable"
	case StateSyncingConfig:
		return "syncing_config"
	case StateSyncingTelemetry:
		return "syncing_telemetry"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ConfigNode is one entry in a device's configuration tree. Interior nodes
// carry children; leaves carry the current rendered value. Type is nil for
// nodes learned through the legacy flat enumeration.
type ConfigNode struct {
	Name     string
	Value    string
	Type     *telemetry.Type
	Children []*ConfigNode
}

// SessionOptions tunes bring-up behavior. Zero values pick defaults.
type SessionOptions struct {
	// HistorySize bounds each record's retained sample history.
	HistorySize int
	// StartupMinPolls and StartupMinFlushes gate the transition out of
	// AwaitingStable: the device must have been polled and written at least
	// this often before the session trusts the link.
	StartupMinPolls   int
	StartupMinFlushes int
	// StartupCheckInterval is how often the liveness gate re-checks.
	StartupCheckInterval time.Duration
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.HistorySize <= 0 {
		o.HistorySize = telemetry.DefaultHistorySize
	}
	if o.StartupMinPolls <= 0 {
		o.StartupMinPolls = 5
	}
	if o.StartupMinFlushes <= 0 {
		o.StartupMinFlushes = 1
	}
	if o.StartupCheckInterval <= 0 {
		o.StartupCheckInterval = 200 * time.Millisecond
	}
	return o
}

type cmdResult struct {
	text string
	err  error
}

type pendingCommand struct {
	cmd   string
	lines []string
	done  chan cmdResult
}

// Session drives one device's diagnostic protocol: it quiesces the device,
// syncs its configuration and telemetry schemas, then runs the steady-state
// loop dispatching emitted samples into records. Commands issued while the
// loop is running are matched against response lines inside the loop;
// before that the bring-up sequence is the stream's only consumer and
// Command is rejected.
type Session struct {
	stream  *Stream
	dec     telemetry.Decoder
	opts    SessionOptions
	log     zerolog.Logger
	console func(string)

	mu           sync.Mutex
	state        State
	schemaConfig bool
	records      map[string]*telemetry.Record
	configRoot   []*ConfigNode
	pending      *pendingCommand
}

// NewSession creates a session over an established stream. console receives
// every non-emit line the device produces plus an echo of everything written;
// it may be nil.
func NewSession(stream *Stream, dec telemetry.Decoder, opts SessionOptions, console func(string), log zerolog.Logger) *Session {
	return &Session{
		stream:  stream,
		dec:     dec,
		opts:    opts.withDefaults(),
		log:     log,
		console: console,
		records: make(map[string]*telemetry.Record),
	}
}

// State reports the current bring-up phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SchemaConfig reports whether the device supported schema-based config
// enumeration; false means the legacy flat fallback was used.
func (s *Session) SchemaConfig() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaConfig
}

// Record returns the named telemetry record, or nil when unknown.
func (s *Session) Record(name string) *telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[name]
}

// RecordNames lists the synced telemetry channels in sorted order.
func (s *Session) RecordNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConfigTree returns the device's configuration tree as last synced.
func (s *Session) ConfigTree() []*ConfigNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ConfigNode, len(s.configRoot))
	copy(out, s.configRoot)
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug().Stringer("state", st).Msg("session state change")
}

// WriteLine echoes a raw line to the console sink and queues it for the
// device. The caller supplies any terminator.
func (s *Session) WriteLine(line string) {
	if s.console != nil {
		s.console(line)
	}
	s.stream.Write([]byte(line))
}

// Run executes the bring-up sequence and then the steady-state loop. It
// returns only on ctx cancellation or an unrecoverable protocol failure.
func (s *Session) Run(ctx context.Context) error {
	// Silence any telemetry left streaming by a previous client. The
	// leading newline terminates a possible partial command.
	s.stream.Write([]byte("\r\ntel stop\r\n"))

	s.setState(StateAwaitingStable)
	if err := s.awaitStable(ctx); err != nil {
		return err
	}
	s.stream.DiscardAll()

	s.setState(StateSyncingConfig)
	if err := s.updateConfig(ctx); err != nil {
		return err
	}

	s.setState(StateSyncingTelemetry)
	if err := s.updateTelemetry(ctx); err != nil {
		return err
	}

	s.setState(StateRunning)
	return s.runLoop(ctx)
}

// awaitStable waits until the scheduler has exercised the link enough times
// to trust that stale bytes have drained and the device is answering.
func (s *Session) awaitStable(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.StartupCheckInterval)
	defer ticker.Stop()
	for {
		polls, emits := s.stream.Counters()
		if polls >= s.opts.StartupMinPolls && emits >= s.opts.StartupMinFlushes {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// readLine reads the next non-empty line and mirrors everything except emit
// announcements to the console sink.
func (s *Session) readLine(ctx context.Context) (string, error) {
	line, err := s.stream.ReadLine(ctx)
	if err != nil {
		return "", err
	}
	if s.console != nil && !strings.HasPrefix(line, "emit ") {
		s.console(line + "\n")
	}
	return line, nil
}

// command issues one command and collects its response directly from the
// stream. Used only before the steady-state loop takes over line dispatch.
// Interleaved emit and schema announcements are skipped, not consumed as
// response text.
func (s *Session) command(ctx context.Context, text string) (string, error) {
	s.WriteLine(text + "\r\n")
	var b strings.Builder
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "emit ") || strings.HasPrefix(line, "schema ") {
			continue
		}
		if strings.HasPrefix(line, "ERR") {
			return "", &CommandError{Command: text, Line: line}
		}
		if strings.HasPrefix(line, "OK") {
			return b.String(), nil
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// Command issues a command and returns the response body (lines before the
// OK terminator, newline-joined). The response is matched inside the
// steady-state loop; at most one command may be in flight. Before the
// session reaches Running the bring-up sequence owns the stream and
// Command fails with ErrNotRunning rather than racing it.
func (s *Session) Command(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if s.pending != nil {
		s.mu.Unlock()
		return "", ErrCommandBusy
	}
	p := &pendingCommand{cmd: text, done: make(chan cmdResult, 1)}
	s.pending = p
	s.mu.Unlock()

	s.WriteLine(text + "\r\n")
	select {
	case res := <-p.done:
		return res.text, res.err
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
		return "", ctx.Err()
	}
}

// updateConfig syncs the device's configuration tree, preferring schema
// based enumeration and falling back to the legacy flat listing when the
// device rejects it.
func (s *Session) updateConfig(ctx context.Context) error {
	s.mu.Lock()
	s.configRoot = nil
	s.mu.Unlock()

	err := s.schemaUpdateConfig(ctx)
	if err == nil {
		s.mu.Lock()
		s.schemaConfig = true
		s.mu.Unlock()
		return nil
	}
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return err
	}
	s.log.Info().Msg("schema config unsupported, using legacy enumeration")

	s.mu.Lock()
	s.schemaConfig = false
	s.mu.Unlock()

	out, err := s.command(ctx, "conf enumerate")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.addLegacyConfigLine(line)
	}
	return nil
}

func (s *Session) schemaUpdateConfig(ctx context.Context) error {
	out, err := s.command(ctx, "conf list")
	if err != nil {
		return err
	}
	var root []*ConfigNode
	for _, group := range strings.Split(out, "\n") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		s.WriteLine("conf schema " + group + "\r\n")
		blob, err := s.readSchemaBlock(ctx, group)
		if err != nil {
			return err
		}
		s.WriteLine("conf data " + group + "\r\n")
		data, err := s.readDataBlock(ctx, group)
		if err != nil {
			return err
		}
		sch, err := s.dec.Decode(group, blob)
		if err != nil {
			return err
		}
		val, err := sch.Read(data)
		if err != nil {
			return err
		}
		root = append(root, buildConfigNode(group, sch.Root(), val))
	}
	s.mu.Lock()
	s.configRoot = root
	s.mu.Unlock()
	return nil
}

// readSchemaBlock waits for the schema announcement for name and returns the
// sized block that follows it.
func (s *Session) readSchemaBlock(ctx context.Context, name string) ([]byte, error) {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, "ERR") {
			return nil, &CommandError{Command: "schema " + name, Line: line}
		}
		if line == "schema "+name || line == "cschema "+name {
			break
		}
	}
	return s.stream.ReadSizedBlock(ctx)
}

// readDataBlock waits for the config data announcement for name and returns
// the sized block that follows it.
func (s *Session) readDataBlock(ctx context.Context, name string) ([]byte, error) {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, "ERR") {
			return nil, &CommandError{Command: "data " + name, Line: line}
		}
		if line == "cdata "+name {
			break
		}
	}
	return s.stream.ReadSizedBlock(ctx)
}

// addLegacyConfigLine folds one "dotted.key value" line into the tree.
func (s *Session) addLegacyConfigLine(line string) {
	key, value, _ := strings.Cut(line, " ")
	segs := strings.Split(key, ".")

	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := &s.configRoot
	var node *ConfigNode
	for _, seg := range segs {
		node = nil
		for _, n := range *nodes {
			if n.Name == seg {
				node = n
				break
			}
		}
		if node == nil {
			node = &ConfigNode{Name: seg}
			*nodes = append(*nodes, node)
		}
		nodes = &node.Children
	}
	if node != nil {
		node.Value = strings.TrimSpace(value)
	}
}

// buildConfigNode mirrors a typed value into display tree nodes.
func buildConfigNode(name string, t *telemetry.Type, v telemetry.Value) *ConfigNode {
	node := &ConfigNode{Name: name, Type: t}
	switch t.Kind {
	case telemetry.KindObject:
		for _, f := range t.Fields {
			node.Children = append(node.Children, buildConfigNode(f.Name, f.Type, v.Object[f.Name]))
		}
	case telemetry.KindArray, telemetry.KindFixedArray:
		for i, ev := range v.Array {
			node.Children = append(node.Children, buildConfigNode(fmt.Sprintf("%d", i), t.Elem, ev))
		}
	default:
		node.Value = v.String()
	}
	return node
}

// updateTelemetry learns every telemetry channel's schema and creates a
// fresh record for each.
func (s *Session) updateTelemetry(ctx context.Context) error {
	s.mu.Lock()
	s.records = make(map[string]*telemetry.Record)
	s.mu.Unlock()

	out, err := s.command(ctx, "tel list")
	if err != nil {
		return err
	}
	for _, name := range strings.Split(out, "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s.WriteLine("tel schema " + name + "\r\n")
		blob, err := s.readSchemaBlock(ctx, name)
		if err != nil {
			return err
		}
		sch, err := s.dec.Decode(name, blob)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.records[name] = telemetry.NewRecord(sch, s.opts.HistorySize)
		s.mu.Unlock()
		if s.console != nil {
			s.console(fmt.Sprintf("<schema name=%s>\n", name))
		}
	}
	return nil
}

// runLoop is the steady-state dispatcher: emitted samples feed their
// records, pending command responses are matched, everything else goes to
// the console sink.
func (s *Session) runLoop(ctx context.Context) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if hasNonASCII(line) {
			// Framing is lost; wait out the noise burst and start over
			// from an empty buffer.
			if err := s.stream.Resynchronize(ctx); err != nil {
				return err
			}
		}
		if rest, ok := strings.CutPrefix(line, "emit "); ok {
			if err := s.handleEmit(ctx, rest); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn().Err(err).Msg("dropping undecodable emitted sample")
			}
			continue
		}
		s.feedPending(line)
	}
}

// handleEmit consumes the sized block following an emit announcement and
// updates the named record. Unknown channels and empty blocks are ignored.
func (s *Session) handleEmit(ctx context.Context, rest string) error {
	name := rest
	if i := strings.IndexByte(name, ' '); i >= 0 {
		name = name[:i]
	}
	block, err := s.stream.ReadSizedBlock(ctx)
	if err != nil {
		return err
	}
	if len(block) == 0 {
		return nil
	}
	rec := s.Record(name)
	if rec == nil {
		return nil
	}
	val, err := rec.Schema().Read(block)
	if err != nil {
		return err
	}
	rec.Update(val)
	return nil
}

// feedPending routes one line into the in-flight command's response, if
// there is one. Schema announcements are never response text.
func (s *Session) feedPending(line string) {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return
	}
	switch {
	case strings.HasPrefix(line, "schema "):
		s.mu.Unlock()
	case strings.HasPrefix(line, "ERR"):
		s.pending = nil
		s.mu.Unlock()
		p.done <- cmdResult{err: &CommandError{Command: p.cmd, Line: line}}
	case strings.HasPrefix(line, "OK"):
		s.pending = nil
		s.mu.Unlock()
		text := ""
		if len(p.lines) > 0 {
			text = strings.Join(p.lines, "\n") + "\n"
		}
		p.done <- cmdResult{text: text}
	default:
		p.lines = append(p.lines, line)
		s.mu.Unlock()
	}
}

// SetConfigValue writes one configuration value. For enum leaves the raw
// text may be the rendered "label : 3" form; the numeric value is extracted.
// Boolean text is normalized to 1/0.
func (s *Session) SetConfigValue(path, raw string, t *telemetry.Type) {
	value := raw
	if t != nil {
		switch t.Kind {
		case telemetry.KindEnum:
			if i := strings.LastIndexByte(raw, ':'); i >= 0 {
				value = strings.Trim(raw[i+1:], " >")
			}
		case telemetry.KindBoolean:
			switch strings.ToLower(strings.TrimSpace(raw)) {
			case "true":
				value = "1"
			case "false":
				value = "0"
			}
		}
	}
	s.WriteLine(fmt.Sprintf("conf set %s %s\r\n", path, value))
}

// Watch enables streaming for one telemetry channel at the given rate,
// forcing the emit format first.
func (s *Session) Watch(name string, hz int) {
	s.WriteLine(fmt.Sprintf("tel fmt %s 0\r\n", name))
	s.WriteLine(fmt.Sprintf("tel rate %s %d\r\n", name, hz))
}

// Unwatch stops streaming for one telemetry channel.
func (s *Session) Unwatch(name string) {
	s.WriteLine(fmt.Sprintf("tel rate %s 0\r\n", name))
}

func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return true
		}
	}
	return false
}
