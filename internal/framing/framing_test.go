package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestFramesAreReadBackInOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one")))
	require.NoError(t, WriteFrame(&buf, []byte("two")))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestZeroLengthFrameIsEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedFrameRejected(t *testing.T) {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(lb[:]))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	assert.ErrorIs(t, WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)
}

func TestMessageRoundTrip(t *testing.T) {
	in, err := structpb.NewStruct(map[string]interface{}{"type": "HELLO", "devId": "cpe-1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, in))

	out := &structpb.Struct{}
	require.NoError(t, ReadMessage(&buf, out))
	assert.True(t, proto.Equal(in, out))
}
