package crdt

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/codec"
	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestUpdate_EncodeDecode(t *testing.T) {
	doc := NewDocumentWithReplica("a", nil)
	doc.Map("files").Put("k", val("v"))
	doc.Map("users").Put("u", val("w"))
	doc.Map("users").Delete("u")

	b, err := doc.State().Encode()
	require.NoError(t, err)

	u, err := DecodeUpdate(b)
	require.NoError(t, err)

	other := NewDocumentWithReplica("b", nil)
	require.NoError(t, other.Apply(u))
	assert.Equal(t, []string{"files", "users"}, other.Names())

	v, ok := other.Map("files").Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
	assert.Equal(t, 0, other.Map("users").Len())
	assert.True(t, other.Map("users").Context().Equal(doc.Map("users").Context()))
}

func TestDecodeUpdate_Errors(t *testing.T) {
	_, err := DecodeUpdate([]byte{0xff, 0x00, 0x13})
	assert.True(t, errors.Is(err, common.ErrDecode))

	b, err := Update{Maps: map[string]Delta{}}.Encode()
	require.NoError(t, err)
	_, err = DecodeUpdate(b)
	require.NoError(t, err)

	future := struct {
		Version uint8            `cbor:"v"`
		Maps    map[string]Delta `cbor:"m"`
	}{Version: 9}
	raw, err := codec.Marshal(future)
	require.NoError(t, err)
	_, err = DecodeUpdate(raw)
	assert.ErrorIs(t, err, common.ErrDecode)
}

func TestDocument_OnUpdateReceivesLocalMutations(t *testing.T) {
	doc := NewDocumentWithReplica("a", nil)

	var mu sync.Mutex
	var got []Update
	remove := doc.OnUpdate(func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	doc.Map("files").Put("k", val("v"))
	doc.Map("files").Delete("k")
	doc.Map("files").Delete("never-there")

	// merges are not local mutations
	peer := NewDocumentWithReplica("b", nil)
	peer.Map("files").Put("p", val("x"))
	require.NoError(t, doc.Apply(peer.State()))

	remove()
	doc.Map("files").Put("after", val("v"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Maps, "files")
	assert.NotEmpty(t, got[0].Maps["files"].Entries)
	assert.Empty(t, got[1].Maps["files"].Entries)
}

func TestDocument_SummaryDiffRoundTrip(t *testing.T) {
	server := NewDocumentWithReplica("srv", nil)
	client := NewDocumentWithReplica("cli", nil)

	for i := 0; i < 20; i++ {
		server.Map("files").Put(fmt.Sprint(i), val("s"))
	}
	client.Map("users").Put("me", val("c"))

	// symmetric exchange, as the handshake does
	toClient := server.Diff(client.Summary())
	toServer := client.Diff(server.Summary())
	require.NoError(t, client.Apply(toClient))
	require.NoError(t, server.Apply(toServer))

	for _, name := range []string{"files", "users"} {
		assert.Equal(t, snapshotStrings(server.Map(name)), snapshotStrings(client.Map(name)), name)
	}
	assert.True(t, server.Diff(client.Summary()).IsEmpty())
}

func TestDocument_SubscribeLocalAndRemote(t *testing.T) {
	doc := NewDocumentWithReplica("a", nil)
	ch, cancel := doc.Subscribe()
	defer cancel()

	doc.Map("files").Put("k", val("1"))
	ev := recv(t, ch)
	assert.Equal(t, Event{Map: "files", Key: "k", Kind: EventPut, Origin: OriginLocal}, ev)

	peer := NewDocumentWithReplica("b", nil)
	require.NoError(t, peer.Apply(doc.State()))
	del, ok := peer.Map("files").Delete("k")
	require.True(t, ok)

	require.NoError(t, doc.Apply(Update{Maps: map[string]Delta{"files": del}}))
	ev = recv(t, ch)
	assert.Equal(t, Event{Map: "files", Key: "k", Kind: EventDelete, Origin: OriginRemote}, ev)

	// re-applying changes nothing visible and emits nothing
	require.NoError(t, doc.Apply(Update{Maps: map[string]Delta{"files": del}}))
	doc.Map("files").Put("z", val("2"))
	ev = recv(t, ch)
	assert.Equal(t, "z", ev.Key)
}

func TestDocument_SubscribeCancelClosesChannel(t *testing.T) {
	doc := NewDocumentWithReplica("a", nil)
	ch, cancel := doc.Subscribe()
	cancel()
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	// publishing after cancel must not block
	doc.Map("files").Put("k", val("v"))
}

func TestDocument_ObserverFailuresAreIsolated(t *testing.T) {
	doc := NewDocumentWithReplica("a", logging.Nop{})

	stopBad := doc.Observe(func(ev Event) error {
		if ev.Key == "boom" {
			panic("observer exploded")
		}
		return errors.New("always fails")
	})
	defer stopBad()

	seen := make(chan string, 8)
	stopGood := doc.Observe(func(ev Event) error {
		seen <- ev.Key
		return nil
	})
	defer stopGood()

	doc.Map("files").Put("boom", val("1"))
	doc.Map("files").Put("ok", val("2"))

	for _, want := range []string{"boom", "ok"} {
		select {
		case k := <-seen:
			assert.Equal(t, want, k)
		case <-time.After(2 * time.Second):
			t.Fatalf("observer did not see %q", want)
		}
	}
	v, ok := doc.Map("files").Get("ok")
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
}

func TestTyped_PutGetSnapshot(t *testing.T) {
	type rec struct {
		ID   string `cbor:"id"`
		Size int    `cbor:"size"`
	}
	doc := NewDocumentWithReplica("a", nil)
	tm := NewTyped[rec](doc.Map("files"))

	_, err := tm.Put("b", rec{ID: "b", Size: 2})
	require.NoError(t, err)
	_, err = tm.Put("a", rec{ID: "a", Size: 1})
	require.NoError(t, err)

	got, ok, err := tm.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec{ID: "a", Size: 1}, got)

	_, ok, err = tm.Get("zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	tm.Map().Put("c", []byte{0xff})
	all, bad := tm.Snapshot()
	assert.Equal(t, []rec{{ID: "a", Size: 1}, {ID: "b", Size: 2}}, all)
	assert.Equal(t, 1, bad)

	_, _, err = tm.Get("c")
	assert.ErrorIs(t, err, common.ErrDecode)

	_, ok = tm.Delete("a")
	assert.True(t, ok)
}
