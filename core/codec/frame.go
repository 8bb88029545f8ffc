// File: core/codec/frame.go
// Package codec implements the Frame Codec (C2): the 24-byte binary frame
// header defined by §3/§6 of the transport spec, encoded little-endian
// with a CRC-32 checksum carried in the header's own crc32 field. A
// bounds-checked, allocation-aware encode/decode pair for the fixed
// 24-byte LAPC header.
//
// Wire layout (24 bytes, little-endian):
//
//	offset  size  field
//	0       4     magic    ("LAPC" = 0x4C415043)
//	4       1     version
//	5       1     flags
//	6       2     type
//	8       4     length   (payload length in bytes)
//	12      8     id
//	20      4     crc32    (over the full frame with this field zeroed)
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"

	"github.com/momentics/lapc/api"
)

const (
	offMagic   = 0
	offVersion = 4
	offFlags   = 5
	offType    = 6
	offLength  = 8
	offID      = 12
	offCRC     = 20
)

// Encode serializes f into a freshly-allocated buffer: HeaderSize bytes of
// header followed by f.Payload (zstd-compressed first when FlagCompressed
// is set), with CRC-32 computed over the whole frame with the CRC field
// zeroed.
func Encode(f *api.Frame) ([]byte, error) {
	payload, err := maybeCompress(f.Flags, f.Payload)
	if err != nil {
		return nil, err
	}
	if len(payload) > api.MaxFramePayload {
		return nil, api.ErrOversize.WithContext("payload_len", len(payload)).WithContext("max", api.MaxFramePayload)
	}
	version := f.Version
	if version == 0 {
		version = api.FrameVersion
	}
	buf := make([]byte, api.FrameHeaderSize+len(payload))
	writeHeader(buf, version, f.Flags, f.Type, uint32(len(payload)), f.ID)
	copy(buf[api.FrameHeaderSize:], payload)

	sum := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[offCRC:], sum)
	return buf, nil
}

// EncodeInto is the allocation-free form of Encode for an uncompressed
// frame; dst must be at least api.FrameHeaderSize+len(f.Payload) bytes. A
// frame with FlagCompressed set first compresses into a scratch buffer, so
// callers on the FlagCompressed path get no allocation-free guarantee.
func EncodeInto(dst []byte, f *api.Frame) ([]byte, error) {
	payload, err := maybeCompress(f.Flags, f.Payload)
	if err != nil {
		return nil, err
	}
	total := api.FrameHeaderSize + len(payload)
	if len(payload) > api.MaxFramePayload {
		return nil, api.ErrOversize.WithContext("payload_len", len(payload)).WithContext("max", api.MaxFramePayload)
	}
	if len(dst) < total {
		return nil, api.ErrInvalidArgument.WithContext("need", total).WithContext("have", len(dst))
	}
	version := f.Version
	if version == 0 {
		version = api.FrameVersion
	}
	dst = dst[:total]
	writeHeader(dst, version, f.Flags, f.Type, uint32(len(payload)), f.ID)
	copy(dst[api.FrameHeaderSize:], payload)

	sum := crc32.ChecksumIEEE(dst)
	binary.LittleEndian.PutUint32(dst[offCRC:], sum)
	return dst, nil
}

// maybeCompress zstd-compresses payload when flags carries FlagCompressed,
// returning payload unchanged otherwise.
func maybeCompress(flags api.FrameFlag, payload []byte) ([]byte, error) {
	if flags&api.FlagCompressed == 0 {
		return payload, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: creating zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}

// maybeDecompress reverses maybeCompress.
func maybeDecompress(flags api.FrameFlag, payload []byte) ([]byte, error) {
	if flags&api.FlagCompressed == 0 {
		return payload, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, api.ErrCorrupt.WithContext("reason", "zstd: "+err.Error())
	}
	return out, nil
}

func writeHeader(buf []byte, version uint8, flags api.FrameFlag, typ api.FrameType, length uint32, id uint64) {
	binary.LittleEndian.PutUint32(buf[offMagic:], api.FrameMagic)
	buf[offVersion] = version
	buf[offFlags] = byte(flags)
	binary.LittleEndian.PutUint16(buf[offType:], uint16(typ))
	binary.LittleEndian.PutUint32(buf[offLength:], length)
	binary.LittleEndian.PutUint64(buf[offID:], id)
	binary.LittleEndian.PutUint32(buf[offCRC:], 0)
}

// Decode validates and parses raw into a Frame. Payload is a view into raw
// (zero-copy) unless FlagCompressed is set, in which case it is a freshly
// zstd-decompressed buffer; callers needing to retain an uncompressed
// Payload past raw's lifetime must copy it themselves.
//
// Validation order follows §6: undersize, magic, version, reserved flag
// bits, declared length against both the max and the buffer actually
// available, then CRC-32 over the full frame.
func Decode(raw []byte) (*api.Frame, error) {
	if len(raw) < api.FrameHeaderSize {
		return nil, api.ErrUndersize.WithContext("len", len(raw))
	}

	magic := binary.LittleEndian.Uint32(raw[offMagic:])
	if magic != api.FrameMagic {
		return nil, api.ErrBadMagic.WithContext("got", magic)
	}

	version := raw[offVersion]
	if version != api.FrameVersion {
		return nil, api.ErrBadVersion.WithContext("got", version)
	}

	flags := api.FrameFlag(raw[offFlags])
	if flags&api.FlagReservedMask != 0 {
		return nil, api.ErrBadFlags.WithContext("flags", byte(flags))
	}

	length := binary.LittleEndian.Uint32(raw[offLength:])
	if int(length) > api.MaxFramePayload {
		return nil, api.ErrOversize.WithContext("length", length).WithContext("max", api.MaxFramePayload)
	}
	total := api.FrameHeaderSize + int(length)
	if len(raw) < total {
		return nil, api.ErrUndersize.WithContext("declared", total).WithContext("have", len(raw))
	}

	declaredCRC := binary.LittleEndian.Uint32(raw[offCRC:])
	checkBuf := make([]byte, total)
	copy(checkBuf, raw[:total])
	binary.LittleEndian.PutUint32(checkBuf[offCRC:], 0)
	if crc32.ChecksumIEEE(checkBuf) != declaredCRC {
		return nil, api.ErrBadCRC
	}

	typ := api.FrameType(binary.LittleEndian.Uint16(raw[offType:]))
	id := binary.LittleEndian.Uint64(raw[offID:])

	payload, err := maybeDecompress(flags, raw[api.FrameHeaderSize:total])
	if err != nil {
		return nil, err
	}

	return &api.Frame{
		Version: version,
		Flags:   flags,
		Type:    typ,
		ID:      id,
		Payload: payload,
	}, nil
}
