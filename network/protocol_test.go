package network

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramesPreserveBoundaries(t *testing.T) {
	req := require.New(t)

	var buf bytes.Buffer
	req.NoError(WriteFrame(&buf, []byte(`{"type":"a"}`)))
	req.NoError(WriteFrame(&buf, []byte(`{"type":"b"}`)))

	first, err := ReadFrame(&buf)
	req.NoError(err)
	second, err := ReadFrame(&buf)
	req.NoError(err)

	firstType, err := DecodeMessageType(first)
	req.NoError(err)
	secondType, err := DecodeMessageType(second)
	req.NoError(err)
	req.Equal("a", firstType)
	req.Equal("b", secondType)
}

func TestFrameSizeLimit(t *testing.T) {
	req := require.New(t)

	var buf bytes.Buffer
	req.ErrorIs(WriteFrame(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)
	req.Zero(buf.Len())

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	req.ErrorIs(err, ErrFrameTooLarge)
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	_, err := DecodeMessageType([]byte(`{"transfer_id":"x"}`))
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestChunkCount(t *testing.T) {
	req := require.New(t)
	req.Equal(0, chunkCount(0, 10))
	req.Equal(1, chunkCount(10, 10))
	req.Equal(2, chunkCount(11, 10))
	req.Equal(0, chunkCount(5, 0))
}
