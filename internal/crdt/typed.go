package crdt

import (
	"fmt"

	"github.com/dmitrijs2005/crdtsign/internal/codec"
	"github.com/dmitrijs2005/crdtsign/internal/common"
)

// Typed is a view of a Map whose values are V, encoded with the shared
// CBOR codec.
type Typed[V any] struct {
	m *Map
}

func NewTyped[V any](m *Map) Typed[V] {
	return Typed[V]{m: m}
}

func (t Typed[V]) Map() *Map { return t.m }

func (t Typed[V]) Put(key string, v V) (Delta, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return Delta{}, fmt.Errorf("encode %q: %w", key, err)
	}
	return t.m.Put(key, b), nil
}

func (t Typed[V]) Delete(key string) (Delta, bool) {
	return t.m.Delete(key)
}

// Get returns the value for key. A present value that fails to decode is
// reported as common.ErrDecode.
func (t Typed[V]) Get(key string) (V, bool, error) {
	var v V
	raw, ok := t.m.Get(key)
	if !ok {
		return v, false, nil
	}
	if err := codec.Unmarshal(raw, &v); err != nil {
		return v, true, fmt.Errorf("%w: %q: %v", common.ErrDecode, key, err)
	}
	return v, true, nil
}

// Snapshot decodes every visible value, ordered by key. Undecodable values
// are skipped and counted.
func (t Typed[V]) Snapshot() ([]V, int) {
	raws := t.m.Snapshot()
	out := make([]V, 0, len(raws))
	bad := 0
	for _, raw := range raws {
		var v V
		if err := codec.Unmarshal(raw, &v); err != nil {
			bad++
			continue
		}
		out = append(out, v)
	}
	return out, bad
}
