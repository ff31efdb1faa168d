package telemetry

import (
	"math"
	"strings"
	"sync"
)

// DefaultHistorySize bounds a record's retained sample history unless
// configured otherwise.
const DefaultHistorySize = 100

// Aggregate signal key prefixes. "__MEAN_foo.bar" computes the mean of
// "foo.bar" over the record's entire retained history; "__STDDEV_" likewise.
const (
	MeanPrefix   = "__MEAN_"
	StdDevPrefix = "__STDDEV_"
)

// Signal is a fan-out point: a set of subscriber callbacks plus the most
// recent computed value.
type Signal struct {
	mu        sync.Mutex
	nextID    int
	callbacks map[int]func(Value)
	last      Value
	hasLast   bool
}

// Connection represents one attached subscriber.
type Connection struct {
	sig *Signal
	id  int
}

// Remove detaches the subscriber.
func (c *Connection) Remove() {
	c.sig.mu.Lock()
	defer c.sig.mu.Unlock()
	delete(c.sig.callbacks, c.id)
}

// Connect attaches a callback invoked on every update.
func (s *Signal) Connect(fn func(Value)) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callbacks == nil {
		s.callbacks = make(map[int]func(Value))
	}
	id := s.nextID
	s.nextID++
	s.callbacks[id] = fn
	return &Connection{sig: s, id: id}
}

// Last returns the most recent computed value, if any update has happened.
func (s *Signal) Last() (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// update invokes every subscriber and reports whether at least one existed.
func (s *Signal) update(v Value) bool {
	s.mu.Lock()
	s.last = v
	s.hasLast = true
	fns := make([]func(Value), 0, len(s.callbacks))
	for _, fn := range s.callbacks {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return len(fns) != 0
}

// Record tracks one telemetry channel: its schema handle, a bounded history
// of decoded samples, and the signals fanning field values out to
// subscribers. A record is cleared and rebuilt whenever the channel's
// telemetry is re-synced.
type Record struct {
	mu       sync.Mutex
	schema   Schema
	capacity int
	history  []Value
	signals  map[string]*Signal
}

// NewRecord creates a record for a freshly learned channel schema.
func NewRecord(schema Schema, capacity int) *Record {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &Record{
		schema:   schema,
		capacity: capacity,
		signals:  make(map[string]*Signal),
	}
}

// Schema returns the channel's decoder handle.
func (r *Record) Schema() Schema {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schema
}

// GetSignal returns the signal for a key, creating it on first use. The key
// is either a raw dotted field path or an aggregate key with a MeanPrefix /
// StdDevPrefix prefix.
func (r *Record) GetSignal(key string) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.signals[key]
	if !ok {
		sig = &Signal{}
		r.signals[key] = sig
	}
	return sig
}

// Update appends a decoded sample to the history (evicting the oldest only
// once capacity is exceeded) and recomputes every attached signal: raw
// signals resolve their path against the new sample, aggregate signals
// recompute their statistic over the whole retained history. Returns true
// iff at least one signal delivered the update to a subscriber, which lets
// callers skip redundant rendering.
func (r *Record) Update(sample Value) bool {
	r.mu.Lock()
	r.history = append(r.history, sample)
	if len(r.history) > r.capacity {
		r.history = r.history[1:]
	}
	history := r.history
	signals := make(map[string]*Signal, len(r.signals))
	for k, s := range r.signals {
		signals[k] = s
	}
	r.mu.Unlock()

	delivered := 0
	for key, sig := range signals {
		var v Value
		switch {
		case strings.HasPrefix(key, StdDevPrefix):
			v = Value{Kind: KindFloat, Float: stdDev(collect(history, key[len(StdDevPrefix):]))}
		case strings.HasPrefix(key, MeanPrefix):
			v = Value{Kind: KindFloat, Float: mean(collect(history, key[len(MeanPrefix):]))}
		default:
			resolved, err := Lookup(sample, key)
			if err != nil {
				continue
			}
			v = resolved
		}
		if sig.update(v) {
			delivered++
		}
	}
	return delivered != 0
}

// collect resolves a path across the history, keeping numeric hits.
func collect(history []Value, path string) []float64 {
	out := make([]float64, 0, len(history))
	for _, sample := range history {
		v, err := Lookup(sample, path)
		if err != nil {
			continue
		}
		if f, ok := v.Float64(); ok {
			out = append(out, f)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation over the retained history.
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
