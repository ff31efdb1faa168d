package telemetry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSchema struct{ root *Type }

func (s *fixedSchema) Root() *Type { return s.root }
func (s *fixedSchema) Read(data []byte) (Value, error) {
	return Value{}, nil
}

func floatSample(x float64) Value {
	return Value{Kind: KindObject, Object: map[string]Value{
		"x": {Kind: KindFloat, Float: x},
	}}
}

func newFloatRecord(capacity int) *Record {
	root := &Type{Kind: KindObject, Fields: []Field{{Name: "x", Type: &Type{Kind: KindFloat}}}}
	return NewRecord(&fixedSchema{root: root}, capacity)
}

func TestSignalFanOut(t *testing.T) {
	sig := &Signal{}

	_, ok := sig.Last()
	assert.False(t, ok)

	var got []float64
	conn := sig.Connect(func(v Value) { got = append(got, v.Float) })

	assert.True(t, sig.update(Value{Kind: KindFloat, Float: 1}))
	assert.True(t, sig.update(Value{Kind: KindFloat, Float: 2}))
	assert.Equal(t, []float64{1, 2}, got)

	last, ok := sig.Last()
	require.True(t, ok)
	assert.Equal(t, 2.0, last.Float)

	conn.Remove()
	assert.False(t, sig.update(Value{Kind: KindFloat, Float: 3}))
	assert.Equal(t, []float64{1, 2}, got)
}

func TestRecordUpdateDelivery(t *testing.T) {
	rec := newFloatRecord(10)

	// No subscribers: nothing delivered.
	assert.False(t, rec.Update(floatSample(1)))

	var got []float64
	rec.GetSignal("x").Connect(func(v Value) { got = append(got, v.Float) })
	assert.True(t, rec.Update(floatSample(2)))
	assert.Equal(t, []float64{2}, got)
}

func TestRecordAggregates(t *testing.T) {
	rec := newFloatRecord(10)

	var means, devs []float64
	rec.GetSignal(MeanPrefix + "x").Connect(func(v Value) { means = append(means, v.Float) })
	rec.GetSignal(StdDevPrefix + "x").Connect(func(v Value) { devs = append(devs, v.Float) })

	rec.Update(floatSample(1))
	rec.Update(floatSample(2))
	rec.Update(floatSample(3))

	require.Len(t, means, 3)
	assert.InDelta(t, 2.0, means[2], 1e-9)
	require.Len(t, devs, 3)
	assert.InDelta(t, math.Sqrt(2.0/3.0), devs[2], 1e-9)
}

func TestRecordHistoryEviction(t *testing.T) {
	rec := newFloatRecord(3)

	var lastMean float64
	rec.GetSignal(MeanPrefix + "x").Connect(func(v Value) { lastMean = v.Float })

	for _, x := range []float64{10, 1, 2, 3} {
		rec.Update(floatSample(x))
	}
	// The 10 was evicted; only {1,2,3} remain.
	assert.InDelta(t, 2.0, lastMean, 1e-9)
}

func TestRecordSkipsUnresolvablePaths(t *testing.T) {
	rec := newFloatRecord(10)

	called := false
	rec.GetSignal("nope").Connect(func(Value) { called = true })
	rec.GetSignal("x").Connect(func(Value) {})

	assert.True(t, rec.Update(floatSample(1)))
	assert.False(t, called)
}

func TestStatHelpers(t *testing.T) {
	assert.Equal(t, 0.0, mean(nil))
	assert.Equal(t, 0.0, stdDev(nil))
	assert.InDelta(t, 2.0, mean([]float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, stdDev([]float64{5, 5, 5}), 1e-9)
}
