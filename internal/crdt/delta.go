package crdt

import (
	"fmt"

	"github.com/dmitrijs2005/crdtsign/internal/codec"
	"github.com/dmitrijs2005/crdtsign/internal/common"
)

// DeltaVersion is the encoding version of Delta and Update blobs.
const DeltaVersion = 1

// Entry is one live write for a key.
type Entry struct {
	Dot     Dot              `cbor:"d"`
	Lamport uint64           `cbor:"l"`
	Value   codec.RawMessage `cbor:"v"`
}

// Delta is a fragment of map state. Entries are the writes it carries;
// Context covers every dot the delta speaks for, so a dot present in Context
// but absent from Entries is a removal. A full-state snapshot is just a
// delta whose Context is the whole causal context.
type Delta struct {
	Entries map[string][]Entry `cbor:"e,omitempty"`
	Context DotSet             `cbor:"c,omitempty"`
}

// IsEmpty reports whether merging d would be a no-op everywhere.
func (d Delta) IsEmpty() bool {
	return len(d.Entries) == 0 && d.Context.IsEmpty()
}

// Update is the replayable unit shipped between replicas and appended to
// room logs: deltas for any number of named maps of one document.
type Update struct {
	Version uint8            `cbor:"v"`
	Maps    map[string]Delta `cbor:"m"`
}

// IsEmpty reports whether u carries nothing.
func (u Update) IsEmpty() bool {
	for _, d := range u.Maps {
		if !d.IsEmpty() {
			return false
		}
	}
	return true
}

// Encode serializes u to its wire/disk form.
func (u Update) Encode() ([]byte, error) {
	u.Version = DeltaVersion
	b, err := codec.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return b, nil
}

// DecodeUpdate parses an encoded Update. Malformed or unknown-version input
// yields an error wrapping common.ErrDecode.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := codec.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	if u.Version != DeltaVersion {
		return Update{}, fmt.Errorf("%w: unsupported update version %d", common.ErrDecode, u.Version)
	}
	return u, nil
}

// EncodeDelta serializes a single map's delta wrapped as an Update for name.
func EncodeDelta(name string, d Delta) ([]byte, error) {
	return Update{Maps: map[string]Delta{name: d}}.Encode()
}
