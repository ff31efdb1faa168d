package bus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakePollClamps(t *testing.T) {
	f := MakePoll(7, 48)
	assert.Equal(t, []byte{DiagPoll, DiagChannel, 48}, f.Payload)
	assert.Equal(t, uint8(7), f.Dest)

	assert.Equal(t, byte(MaxDiagPayload), MakePoll(7, 0).Payload[2])
	assert.Equal(t, byte(MaxDiagPayload), MakePoll(7, 200).Payload[2])
}

func TestMakeWriteTruncates(t *testing.T) {
	f := MakeWrite(3, []byte("hi"))
	assert.Equal(t, []byte{DiagWrite, DiagChannel, 2, 'h', 'i'}, f.Payload)

	long := bytes.Repeat([]byte{'x'}, 100)
	f = MakeWrite(3, long)
	assert.Equal(t, byte(MaxDiagPayload), f.Payload[2])
	assert.Len(t, f.Payload, 3+MaxDiagPayload)
}
