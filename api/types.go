// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants for the LAPC
// transport core (§3, §6 of the transport spec).

package api

import "time"

// Frame wire constants (§3, §6). Byte-for-byte compatible across language
// implementations of this protocol.
const (
	FrameMagic      uint32 = 0x4C415043 // "LAPC" little-endian
	FrameVersion    uint8  = 1
	FrameHeaderSize int    = 24
	MaxFramePayload int    = 10 * 1024 * 1024 // 10 MiB
)

// FrameFlag is a bitset carried in byte 5 of the frame header.
type FrameFlag uint8

const (
	FlagCompressed FrameFlag = 0x1
	FlagEncrypted  FrameFlag = 0x2
	FlagStreaming  FrameFlag = 0x4
	FlagPriority   FrameFlag = 0x8

	// FlagReservedMask covers the flag bits not yet assigned a meaning;
	// Decode rejects any frame with one of these set (§4.2, §7).
	FlagReservedMask FrameFlag = 0xF0
)

// FrameType enumerates the frame kind carried in the 2-byte type field.
//
// 0x0000-0x00FF is the transport-core range defined by this spec; 0x0100
// and above is reserved for application-layer payload kinds the transport
// decodes but never interprets (A.3 of SPEC_FULL.md).
type FrameType uint16

const (
	FrameHandshake FrameType = iota
	FrameAck
	FrameRequest
	FrameResponse
	FrameStreamChunk
	FrameCancel
	FrameError
	FrameHeartbeat
	FrameDisconnect

	// FrameApplicationRangeStart marks the first type value reserved for
	// collaborator packages; the transport-core codec never special-cases
	// anything at or above this value.
	FrameApplicationRangeStart FrameType = 0x0100
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "handshake"
	case FrameAck:
		return "ack"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameStreamChunk:
		return "stream_chunk"
	case FrameCancel:
		return "cancel"
	case FrameError:
		return "error"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameDisconnect:
		return "disconnect"
	default:
		if t >= FrameApplicationRangeStart {
			return "application"
		}
		return "unknown"
	}
}

// ConnHealth enumerates the health classification of a Connection (§4.4).
type ConnHealth int

const (
	HealthHealthy ConnHealth = iota
	HealthDegraded
	HealthUnhealthy
)

func (h ConnHealth) String() string {
	switch h {
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// ConnectionInfo is a point-in-time snapshot of a Connection's lifecycle
// state, used by Pool.Snapshot() for external supervision (A.3).
type ConnectionInfo struct {
	ID           uint64
	CreatedAt    time.Time
	LastActive   time.Time
	RequestCount uint64
	ErrorCount   uint64
	Health       ConnHealth
}

// Frame is the canonical in-memory representation of a decoded wire frame
// (§3). Payload is a view into the ring's backing buffer when returned by
// a decode path that promises zero-copy; callers that need to retain it
// past the next ring read must copy it themselves.
type Frame struct {
	Version uint8
	Flags   FrameFlag
	Type    FrameType
	ID      uint64
	Payload []byte
}

// HasFlag reports whether f is set.
func (fr *Frame) HasFlag(f FrameFlag) bool { return fr.Flags&f != 0 }

// StreamChunk is the payload shape carried by FrameStreamChunk frames (§3, §4.7).
type StreamChunk struct {
	StreamID uint64
	Sequence uint32
	IsFinal  bool
	Content  []byte
}

// ServiceInfo exposes descriptive build- and runtime info for external tools.
type ServiceInfo struct {
	Name      string
	Version   string
	Build     string
	StartedAt time.Time
}
