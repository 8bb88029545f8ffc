// File: core/codec/streamchunk.go
// Encode/decode for the stream-chunk payload carried inside a
// FrameStreamChunk frame's Payload: {stream_id:u64, sequence:u32,
// flags:u8, content} (§3). flags bit 0 is is_final; bit 1 marks content as
// zstd-compressed, set automatically by EncodeStreamChunk once a chunk's
// batched content crosses streamChunkCompressThreshold (SPEC_FULL.md A.2).
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/momentics/lapc/api"
)

const streamChunkHeaderSize = 8 + 4 + 1 // stream_id + sequence + flags

const (
	streamChunkFlagFinal      byte = 0x1
	streamChunkFlagCompressed byte = 0x2
)

// streamChunkCompressThreshold is the content size above which
// EncodeStreamChunk compresses a chunk's batched content before framing
// it; small chunks aren't worth the zstd framing overhead.
const streamChunkCompressThreshold = 512

// EncodeStreamChunk serializes a StreamChunk into a frame payload,
// compressing Content when it is large enough to benefit.
func EncodeStreamChunk(c *api.StreamChunk) ([]byte, error) {
	content := c.Content
	flags := byte(0)
	if c.IsFinal {
		flags |= streamChunkFlagFinal
	}
	if len(content) > streamChunkCompressThreshold {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("codec: creating zstd encoder: %w", err)
		}
		compressed := enc.EncodeAll(content, nil)
		enc.Close()
		if len(compressed) < len(content) {
			content = compressed
			flags |= streamChunkFlagCompressed
		}
	}

	buf := make([]byte, streamChunkHeaderSize+len(content))
	binary.LittleEndian.PutUint64(buf[0:], c.StreamID)
	binary.LittleEndian.PutUint32(buf[8:], c.Sequence)
	buf[12] = flags
	copy(buf[streamChunkHeaderSize:], content)
	return buf, nil
}

// DecodeStreamChunk parses a FrameStreamChunk frame's payload. Content is
// a view into raw, consistent with Decode's zero-copy contract, unless the
// compressed flag is set, in which case it is a freshly decompressed
// buffer.
func DecodeStreamChunk(raw []byte) (*api.StreamChunk, error) {
	if len(raw) < streamChunkHeaderSize {
		return nil, api.ErrUndersize.WithContext("component", "stream_chunk")
	}
	flags := raw[12]
	content := raw[streamChunkHeaderSize:]
	if flags&streamChunkFlagCompressed != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("codec: creating zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(content, nil)
		if err != nil {
			return nil, api.ErrCorrupt.WithContext("reason", "zstd: "+err.Error())
		}
		content = out
	}
	return &api.StreamChunk{
		StreamID: binary.LittleEndian.Uint64(raw[0:]),
		Sequence: binary.LittleEndian.Uint32(raw[8:]),
		IsFinal:  flags&streamChunkFlagFinal != 0,
		Content:  content,
	}, nil
}

// EncodeCancelTarget builds the payload of a Cancel frame: the id of the
// request (or stream_id, for a streaming response) being cancelled. A
// Cancel frame's own Frame.ID is a distinct, unrelated message id (§3), so
// the target cannot be recovered from the envelope alone.
func EncodeCancelTarget(targetID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, targetID)
	return buf
}

// DecodeCancelTarget parses a Cancel frame's payload back into the target
// request/stream id.
func DecodeCancelTarget(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, api.ErrUndersize.WithContext("component", "cancel_target")
	}
	return binary.LittleEndian.Uint64(payload[:8]), nil
}
