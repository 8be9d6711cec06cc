package wire

import (
	"testing"

	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecIsRegistered(t *testing.T) {
	assert.NotNil(t, encoding.GetCodec(CodecName))
}

func TestCodecPassesFramesThrough(t *testing.T) {
	c := Codec{}
	raw := []byte(`{"query":"ping"}`)

	out, err := c.Marshal(&Frame{Payload: raw})
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	var f Frame
	require.NoError(t, c.Unmarshal(out, &f))
	assert.Equal(t, raw, f.Payload)

	out[0] = 'x'
	assert.Equal(t, byte('{'), f.Payload[0], "unmarshal copies the buffer")
}

func TestPackUnpack(t *testing.T) {
	f, err := Pack(transport.NewAck("cmd-1"))
	require.NoError(t, err)

	msg, err := f.Unpack()
	require.NoError(t, err)
	assert.Equal(t, transport.KindAck, msg.Query)
	assert.Equal(t, "cmd-1", msg.ID)

	_, err = (&Frame{Payload: []byte(`{"query":"ack"}`)}).Unpack()
	assert.ErrorIs(t, err, transport.ErrMalformedMessage)
}
