package services

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/crdt"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/server/rooms"
	"github.com/dmitrijs2005/crdtsign/internal/storage/compress"
	"github.com/dmitrijs2005/crdtsign/internal/storage/roomlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	gs "github.com/dmitrijs2005/crdtsign/internal/server/grpc"
)

const bufTarget = "passthrough:///bufnet"

func startServer(t *testing.T) grpc.DialOption {
	t.Helper()
	opener, err := roomlog.NewFileOpener(t.TempDir(), compress.Zstd, nil)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	hub := rooms.NewHub(opener, rooms.Options{}, logging.Nop{})
	srv := gs.NewGRPCServer("bufnet", logging.Nop{}, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = hub.Close(context.Background())
	})

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func connectService(t *testing.T, s SignatureService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, bufTarget))
	select {
	case <-s.Synced():
	case <-ctx.Done():
		t.Fatal("timed out waiting for handshake")
	}
}

func flushService(t *testing.T, s SignatureService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func TestSync_SignedRecordValidatesOnPeer(t *testing.T) {
	dial := startServer(t)
	ctx := context.Background()

	alice := newService(t, t.TempDir(), Options{Room: "team", DialOptions: []grpc.DialOption{dial}})
	bob := newService(t, t.TempDir(), Options{Room: "team", DialOptions: []grpc.DialOption{dial}})
	connectService(t, alice)
	connectService(t, bob)

	_, err := alice.RegisterUser(ctx, "alice", nil)
	require.NoError(t, err)
	r, err := alice.SignFile(ctx, writeFile(t, t.TempDir(), "deal.pdf", "terms"), nil)
	require.NoError(t, err)
	flushService(t, alice)

	require.Eventually(t, func() bool {
		v, err := bob.ValidateRecord(r.ID)
		return err == nil && v.Valid
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.RemoveRecord(ctx, r.ID))
	flushService(t, bob)
	require.Eventually(t, func() bool {
		_, err := alice.GetRecord(r.ID)
		return errors.Is(err, common.ErrNotFound)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSync_OfflineEditsConvergeOnConnect(t *testing.T) {
	dial := startServer(t)
	ctx := context.Background()

	a := newService(t, t.TempDir(), Options{DialOptions: []grpc.DialOption{dial}})
	b := newService(t, t.TempDir(), Options{DialOptions: []grpc.DialOption{dial}})

	_, err := a.AddRecord(ctx, newSig("from-a"))
	require.NoError(t, err)
	_, err = b.AddRecord(ctx, newSig("from-b"))
	require.NoError(t, err)

	connectService(t, a)
	flushService(t, a)
	connectService(t, b)
	flushService(t, b)

	names := func(s SignatureService) map[string]bool {
		out := map[string]bool{}
		for _, r := range s.ListRecords() {
			out[r.FileName] = true
		}
		return out
	}
	want := map[string]bool{"from-a": true, "from-b": true}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, names(a)) && assert.ObjectsAreEqual(want, names(b))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSync_RemoteChangesReachEvents(t *testing.T) {
	dial := startServer(t)
	ctx := context.Background()

	a := newService(t, t.TempDir(), Options{DialOptions: []grpc.DialOption{dial}})
	b := newService(t, t.TempDir(), Options{DialOptions: []grpc.DialOption{dial}})
	connectService(t, a)
	connectService(t, b)

	events, cancel := b.Events()
	defer cancel()

	id, err := a.AddRecord(ctx, newSig("x"))
	require.NoError(t, err)
	flushService(t, a)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Map == common.SignaturesMap && ev.Key == id {
				assert.Equal(t, crdt.OriginRemote, ev.Origin)
				return
			}
		case <-timeout:
			t.Fatal("no event for remote record")
		}
	}
}

func TestConnect_RefusedLeavesServiceUsable(t *testing.T) {
	refuse := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	s := newService(t, t.TempDir(), Options{DialOptions: []grpc.DialOption{refuse}})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx, bufTarget)
	require.ErrorIs(t, err, common.ErrConnection)
	assert.False(t, s.Connected())

	_, err = s.AddRecord(context.Background(), newSig("offline"))
	require.NoError(t, err)
	assert.Len(t, s.ListRecords(), 1)
	assert.ErrorIs(t, s.Flush(context.Background()), common.ErrConnection)
	assert.NoError(t, s.Disconnect(context.Background()))
}
