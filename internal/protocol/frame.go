// Package protocol defines the sync wire format: CBOR frames carried as
// google.protobuf.BytesValue messages over one bidirectional gRPC stream
// per room connection.
//
// A connection starts with both sides sending SyncStep1 (their causal
// summary). Each side answers the other's SyncStep1 with SyncStep2 (the
// diff the peer is missing). After that only Update frames flow, and the
// server acknowledges every client Update with an Ack carrying its Seq.
package protocol

import (
	"fmt"

	"github.com/dmitrijs2005/crdtsign/internal/codec"
	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/crdt"
)

// FrameVersion is the current frame encoding version.
const FrameVersion = 1

type Kind uint8

const (
	KindSyncStep1 Kind = iota + 1
	KindSyncStep2
	KindUpdate
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync_step1"
	case KindSyncStep2:
		return "sync_step2"
	case KindUpdate:
		return "update"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one protocol message. Payload is an encoded summary for
// SyncStep1, an encoded crdt.Update for SyncStep2 and Update, and empty
// for Ack.
type Frame struct {
	Version uint8  `cbor:"v"`
	Kind    Kind   `cbor:"k"`
	Seq     uint64 `cbor:"s,omitempty"`
	Payload []byte `cbor:"p,omitempty"`
}

// Encode serializes f, stamping the current version.
func (f Frame) Encode() ([]byte, error) {
	f.Version = FrameVersion
	b, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	return b, nil
}

// DecodeFrame parses a frame. Malformed input, an unknown version or an
// unknown kind yields an error wrapping common.ErrDecode.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: frame: %v", common.ErrDecode, err)
	}
	if f.Version != FrameVersion {
		return Frame{}, fmt.Errorf("%w: unsupported frame version %d", common.ErrDecode, f.Version)
	}
	if f.Kind < KindSyncStep1 || f.Kind > KindAck {
		return Frame{}, fmt.Errorf("%w: unknown frame kind %d", common.ErrDecode, f.Kind)
	}
	return f, nil
}

// Summary is the per-map causal context exchanged in SyncStep1.
type Summary map[string]crdt.DotSet

func (s Summary) Encode() ([]byte, error) {
	if s == nil {
		s = Summary{}
	}
	return codec.Marshal(s)
}

func DecodeSummary(b []byte) (Summary, error) {
	s := Summary{}
	if len(b) == 0 {
		return s, nil
	}
	if err := codec.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: summary: %v", common.ErrDecode, err)
	}
	return s, nil
}

// Step1 builds a SyncStep1 frame announcing summary.
func Step1(summary Summary) (Frame, error) {
	p, err := summary.Encode()
	if err != nil {
		return Frame{}, fmt.Errorf("encode summary: %w", err)
	}
	return Frame{Kind: KindSyncStep1, Payload: p}, nil
}

// Step2 builds a SyncStep2 frame carrying u.
func Step2(u crdt.Update) (Frame, error) {
	p, err := u.Encode()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindSyncStep2, Payload: p}, nil
}

// UpdateFrame wraps an already encoded update.
func UpdateFrame(seq uint64, update []byte) Frame {
	return Frame{Kind: KindUpdate, Seq: seq, Payload: update}
}

func Ack(seq uint64) Frame {
	return Frame{Kind: KindAck, Seq: seq}
}
