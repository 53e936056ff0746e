package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/crdt"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/protocol"
	"github.com/dmitrijs2005/crdtsign/internal/server/rooms"
	"github.com/dmitrijs2005/crdtsign/internal/storage/roomlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ---- fakes ----

type memLog struct {
	mu      sync.Mutex
	records [][]byte
}

func (m *memLog) Append(_ context.Context, u []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, u)
	return nil
}

func (m *memLog) Replay(_ context.Context, fn func([]byte) error) error {
	m.mu.Lock()
	recs := append([][]byte(nil), m.records...)
	m.mu.Unlock()
	for _, r := range recs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *memLog) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *memLog) Compact(context.Context, []byte) error { return nil }

func (m *memLog) Close() error { return nil }

type memOpener struct{}

func newMemOpener() memOpener { return memOpener{} }

func (memOpener) Open(context.Context, string) (roomlog.Log, error) {
	return &memLog{}, nil
}

func (memOpener) Close() error { return nil }

// ---- helpers ----

func startServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	hub := rooms.NewHub(newMemOpener(), rooms.Options{}, logging.Nop{})
	s := NewGRPCServer("bufnet", logging.Nop{}, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
		_ = hub.Close(context.Background())
	})
	return conn
}

func openStream(t *testing.T, cc *grpc.ClientConn, room, replica string) protocol.ConnectClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if room != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, common.RoomHeaderName, room, common.ReplicaHeaderName, replica)
	}
	stream, err := protocol.NewSyncClient(cc).Connect(ctx)
	require.NoError(t, err)
	return stream
}

func recvKind(t *testing.T, s protocol.ConnectClient, want protocol.Kind) protocol.Frame {
	t.Helper()
	type result struct {
		f   protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := protocol.RecvFrame(s)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.Equal(t, want, r.f.Kind)
		return r.f
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return protocol.Frame{}
	}
}

func hello(t *testing.T, s protocol.ConnectClient) {
	t.Helper()
	f, err := protocol.Step1(nil)
	require.NoError(t, err)
	require.NoError(t, protocol.SendFrame(s, f))
	recvKind(t, s, protocol.KindSyncStep2)
	recvKind(t, s, protocol.KindSyncStep1)
}

// ---- tests ----

func TestConnect_RelaysUpdatesBetweenClients(t *testing.T) {
	cc := startServer(t)
	a := openStream(t, cc, "room", "a")
	b := openStream(t, cc, "room", "b")
	hello(t, a)
	hello(t, b)

	doc := crdt.NewDocumentWithReplica("a", nil)
	var update []byte
	doc.OnUpdate(func(u crdt.Update) { update, _ = u.Encode() })
	doc.Map(common.SignaturesMap).Put("k", []byte{0x01})

	require.NoError(t, protocol.SendFrame(a, protocol.UpdateFrame(1, update)))

	ack := recvKind(t, a, protocol.KindAck)
	assert.Equal(t, uint64(1), ack.Seq)
	fwd := recvKind(t, b, protocol.KindUpdate)
	assert.Equal(t, update, fwd.Payload)
}

func TestConnect_MalformedFrameDropped(t *testing.T) {
	cc := startServer(t)
	a := openStream(t, cc, "room", "a")
	hello(t, a)

	require.NoError(t, a.Send(wrapperspb.Bytes([]byte{0xff, 0xff})))
	require.NoError(t, protocol.SendFrame(a, protocol.UpdateFrame(5, []byte{0x01})))

	ack := recvKind(t, a, protocol.KindAck)
	assert.Equal(t, uint64(5), ack.Seq, "bad update is acked and dropped, stream stays up")
}

func TestConnect_RequiresSyncStep1First(t *testing.T) {
	cc := startServer(t)
	a := openStream(t, cc, "room", "a")
	require.NoError(t, protocol.SendFrame(a, protocol.Ack(1)))

	_, err := a.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestConnect_RequiresRoom(t *testing.T) {
	cc := startServer(t)
	a := openStream(t, cc, "", "")

	_, err := a.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
