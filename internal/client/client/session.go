package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/crdt"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type outbound struct {
	kind    protocol.Kind
	seq     uint64
	payload []byte
}

// Session binds a document to one room on a room server over a single
// bidirectional stream. Local mutations are pushed as they happen and
// remote ones are merged as they arrive. The document stays usable while
// the session is disconnected; edits made offline are exchanged during
// the next handshake.
type Session struct {
	doc      *crdt.Document
	room     string
	logger   logging.Logger
	dialOpts []grpc.DialOption

	mu        sync.Mutex
	connected bool
	closing   bool
	gen       uint64
	conn      *grpc.ClientConn
	stream    protocol.ConnectClient
	cancel    context.CancelFunc
	unhook    func()
	pending   []outbound
	wake      chan struct{}
	stopSend  chan struct{}
	sendDone  chan struct{}
	recvDone  chan struct{}
	synced    chan struct{}
	syncOnce  *sync.Once
	seq       uint64
	acked     uint64
	ackCh     chan struct{}
}

// NewSession creates a disconnected session. Extra dial options are
// appended after the insecure transport credentials.
func NewSession(doc *crdt.Document, room string, l logging.Logger, opts ...grpc.DialOption) *Session {
	if room == "" {
		room = common.DefaultRoom
	}
	return &Session{
		doc:      doc,
		room:     room,
		logger:   logging.OrNop(l).With("module", "sync", "room", room, "replica", doc.Replica()),
		dialOpts: opts,
	}
}

func (s *Session) Room() string { return s.room }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Synced returns a channel closed once the handshake is complete: the
// server's catch-up has been applied and whatever the server lacked has
// been queued for sending, so a Flush after Synced covers offline edits.
// Before the first Connect it returns nil.
func (s *Session) Synced() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

func isCancel(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
}

// Connect dials addr, opens the room stream and starts the handshake. ctx
// bounds connection setup only. A refused or failed connection returns an
// error wrapping common.ErrConnection. Connecting an already connected
// session is a no-op.
func (s *Session) Connect(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return mapError(err)
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, s.dialOpts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return mapError(err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx,
		common.RoomHeaderName, s.room,
		common.ReplicaHeaderName, s.doc.Replica())
	stop := context.AfterFunc(ctx, cancel)

	stream, err := protocol.NewSyncClient(conn).Connect(streamCtx)
	if err == nil {
		var hello protocol.Frame
		hello, err = protocol.Step1(s.doc.Summary())
		if err == nil {
			err = protocol.SendFrame(stream, hello)
		}
	}
	if !stop() || err != nil {
		cancel()
		_ = conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		s.logger.Warn(ctx, "connect failed", "addr", addr, "error", err)
		return mapError(err)
	}

	s.conn, s.stream, s.cancel = conn, stream, cancel
	s.pending = nil
	s.wake = make(chan struct{}, 1)
	s.stopSend = make(chan struct{})
	s.sendDone = make(chan struct{})
	s.recvDone = make(chan struct{})
	s.synced = make(chan struct{})
	s.syncOnce = &sync.Once{}
	s.seq, s.acked = 0, 0
	s.ackCh = make(chan struct{})
	s.unhook = s.doc.OnUpdate(s.onLocalUpdate)
	s.connected = true
	s.gen++

	go s.sendLoop(stream, s.wake, s.stopSend, s.sendDone)
	go s.recvLoop(s.gen, stream, s.recvDone, s.synced, s.syncOnce)

	s.logger.Info(ctx, "connected", "addr", addr)
	return nil
}

func (s *Session) onLocalUpdate(u crdt.Update) {
	b, err := u.Encode()
	if err != nil {
		s.logger.Error(context.Background(), "encode local update", "error", err)
		return
	}
	s.enqueue(protocol.KindUpdate, b)
}

func (s *Session) enqueue(kind protocol.Kind, payload []byte) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.seq++
	s.pending = append(s.pending, outbound{kind: kind, seq: s.seq, payload: payload})
	wake := s.wake
	s.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (s *Session) sendLoop(stream protocol.ConnectClient, wake, stop, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, o := range batch {
			if err := protocol.SendFrame(stream, protocol.Frame{Kind: o.kind, Seq: o.seq, Payload: o.payload}); err != nil {
				if !isCancel(err) && !errors.Is(err, io.EOF) {
					s.logger.Warn(ctx, "send failed", "seq", o.seq, "error", err)
				}
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-wake:
		case <-stop:
			s.mu.Lock()
			left := len(s.pending)
			s.mu.Unlock()
			if left == 0 {
				return
			}
		}
	}
}

func (s *Session) recvLoop(gen uint64, stream protocol.ConnectClient, done, synced chan struct{}, once *sync.Once) {
	defer close(done)
	defer s.streamLost(gen)
	ctx := context.Background()
	var gotStep1, gotStep2 bool
	markSynced := func() {
		if gotStep1 && gotStep2 {
			once.Do(func() { close(synced) })
		}
	}
	for {
		f, err := protocol.RecvFrame(stream)
		switch {
		case errors.Is(err, common.ErrDecode):
			s.logger.Warn(ctx, "dropping malformed frame", "error", err)
			continue
		case err != nil:
			if !isCancel(err) && !errors.Is(err, io.EOF) {
				s.logger.Warn(ctx, "stream closed", "error", err)
			}
			return
		}

		switch f.Kind {
		case protocol.KindSyncStep2, protocol.KindUpdate:
			s.applyRemote(ctx, f)
			if f.Kind == protocol.KindSyncStep2 {
				gotStep2 = true
				markSynced()
			}
		case protocol.KindSyncStep1:
			s.answerStep1(ctx, f.Payload)
			gotStep1 = true
			markSynced()
		case protocol.KindAck:
			s.mu.Lock()
			if f.Seq > s.acked {
				s.acked = f.Seq
				close(s.ackCh)
				s.ackCh = make(chan struct{})
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) applyRemote(ctx context.Context, f protocol.Frame) {
	u, err := crdt.DecodeUpdate(f.Payload)
	if err != nil {
		s.logger.Warn(ctx, "dropping undecodable update", "kind", f.Kind.String(), "error", err)
		return
	}
	if err := s.doc.Apply(u); err != nil {
		s.logger.Warn(ctx, "dropping invalid update", "kind", f.Kind.String(), "error", err)
	}
}

// answerStep1 sends the server whatever it is missing, typically edits
// made while offline.
func (s *Session) answerStep1(ctx context.Context, payload []byte) {
	summary, err := protocol.DecodeSummary(payload)
	if err != nil {
		s.logger.Warn(ctx, "dropping bad summary", "error", err)
		return
	}
	diff := s.doc.Diff(summary)
	if diff.IsEmpty() {
		return
	}
	b, err := diff.Encode()
	if err != nil {
		s.logger.Error(ctx, "encode diff", "error", err)
		return
	}
	s.enqueue(protocol.KindSyncStep2, b)
}

// streamLost tears down connection gen after the server ended its stream,
// in the same order as Disconnect. Edits made from now on stay in the
// document until the next Connect hands them over in the handshake.
func (s *Session) streamLost(gen uint64) {
	s.mu.Lock()
	if !s.connected || s.closing || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.pending = nil
	unhook, stopSend, sendDone := s.unhook, s.stopSend, s.sendDone
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()

	unhook()
	close(stopSend)
	<-sendDone
	cancel()
	if err := conn.Close(); !isCancel(err) {
		s.logger.Warn(context.Background(), "close connection", "error", err)
	}
	s.logger.Warn(context.Background(), "stream lost, working offline")
}

// Flush blocks until the server has acknowledged every update this
// session has sent so far.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("%w: not connected", common.ErrConnection)
	}
	target := s.seq
	for s.acked < target {
		ch, done := s.ackCh, s.recvDone
		s.mu.Unlock()
		select {
		case <-ch:
		case <-done:
			return fmt.Errorf("%w: stream closed before acknowledgement", common.ErrConnection)
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	s.mu.Unlock()
	return nil
}

// Disconnect tears the session down in reverse order of acquisition:
// update hook, send loop, stream, connection. Cancellation errors count as
// success. Calling it on a disconnected session is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	unhook, stopSend, sendDone := s.unhook, s.stopSend, s.sendDone
	stream, cancel, recvDone, conn := s.stream, s.cancel, s.recvDone, s.conn
	s.mu.Unlock()

	var errs []error

	unhook()

	close(stopSend)
	select {
	case <-sendDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("send loop: %w", ctx.Err()))
	}

	s.mu.Lock()
	s.connected = false
	s.closing = false
	s.pending = nil
	s.mu.Unlock()

	if err := stream.CloseSend(); !isCancel(err) {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}
	cancel()
	select {
	case <-recvDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("receive loop: %w", ctx.Err()))
	}

	if err := conn.Close(); !isCancel(err) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}

	s.logger.Info(ctx, "disconnected")
	return errors.Join(errs...)
}
