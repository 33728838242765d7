// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeAMQP, 5, body))

	f, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeAMQP, f.Type)
	assert.Equal(t, uint16(5), f.Channel)
	assert.Equal(t, body, f.Body)
}

func TestEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEmptyFrame(&buf))
	assert.Equal(t, []byte{0, 0, 0, 8, 2, 0, 0, 0}, buf.Bytes())

	f, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	assert.Equal(t, uint16(0), f.Channel)
}

func TestEncodeMatchesWriteFrame(t *testing.T) {
	body := []byte("payload")
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeSASL, 3, body))

	enc := Encode([]byte{0xee}, Frame{Type: FrameTypeSASL, Channel: 3, Body: body})
	assert.Equal(t, byte(0xee), enc[0])
	assert.Equal(t, buf.Bytes(), enc[1:])
}

func TestDecodeStream(t *testing.T) {
	var stream []byte
	stream = Encode(stream, Frame{Type: FrameTypeAMQP, Channel: 1, Body: []byte{1, 2, 3}})
	stream = Encode(stream, Frame{Type: FrameTypeAMQP, Channel: 2})

	f, n, err := Decode(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, uint16(1), f.Channel)
	assert.Equal(t, []byte{1, 2, 3}, f.Body)

	f, n, err = Decode(stream[n:], 0)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, n)
	assert.True(t, f.IsEmpty())
}

func TestDecodeIncomplete(t *testing.T) {
	enc := Encode(nil, Frame{Body: []byte{1, 2, 3}})
	for i := range len(enc) {
		_, n, err := Decode(enc[:i], 0)
		assert.ErrorIs(t, err, ErrShortBuffer, "prefix %d", i)
		assert.Zero(t, n)
	}
}

func TestDecodeSkipsExtendedHeader(t *testing.T) {
	// doff 3: four bytes of extended header precede the body.
	b := []byte{0, 0, 0, 14, 3, 0, 0, 7, 0xaa, 0xbb, 0xcc, 0xdd, 'h', 'i'}
	f, n, err := Decode(b, 0)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, uint16(7), f.Channel)
	assert.Equal(t, []byte("hi"), f.Body)

	rf, err := ReadFrame(bytes.NewReader(b), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), rf.Body)
}

func TestMaxFrameSize(t *testing.T) {
	enc := Encode(nil, Frame{Body: make([]byte, 600)})

	_, _, err := Decode(enc, MinFrameSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = ReadFrame(bytes.NewReader(enc), MinFrameSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// Rejected on the header alone.
	_, _, err = Decode(enc[:HeaderSize], MinFrameSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, n, err := Decode(enc, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
}

func TestInvalidHeaders(t *testing.T) {
	cases := map[string][]byte{
		"size below header": {0, 0, 0, 4, 2, 0, 0, 0},
		"doff below two":    {0, 0, 0, 8, 1, 0, 0, 0},
		"doff beyond size":  {0, 0, 0, 8, 3, 0, 0, 0},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(b, 0)
			assert.ErrorIs(t, err, ErrInvalidFrame)
			_, err = ReadFrame(bytes.NewReader(b), 0)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestProtocolHeader(t *testing.T) {
	for _, id := range []byte{ProtoIDAMQP, ProtoIDSASL} {
		var buf bytes.Buffer
		require.NoError(t, WriteProtocolHeader(&buf, id))
		assert.Equal(t, AMQP10(id).Bytes(), [ProtoHeaderSize]byte(buf.Bytes()))

		got, err := ReadProtocolHeader(&buf)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestProtocolHeaderInvalid(t *testing.T) {
	_, err := ReadProtocolHeader(bytes.NewBufferString("MQTT0100"))
	assert.Error(t, err)

	_, err = ParseProtocolHeader([]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1})
	assert.ErrorContains(t, err, "unsupported AMQP version 0.9.1")

	_, err = ParseProtocolHeader([]byte("AMQP"))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDetectAMQP(t *testing.T) {
	assert.True(t, DetectAMQP([]byte("AMQP\x00\x01\x00\x00")))
	assert.False(t, DetectAMQP([]byte("MQTT")))
	assert.False(t, DetectAMQP([]byte("AM")))
}
