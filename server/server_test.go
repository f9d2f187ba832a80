package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anarchoredis/replicore/backlog"
	"github.com/anarchoredis/replicore/fanout"
	"github.com/anarchoredis/replicore/leader"
	"github.com/anarchoredis/replicore/protocol"
	"github.com/anarchoredis/replicore/replid"
	"github.com/anarchoredis/replicore/store"
	"github.com/anarchoredis/replicore/tick"
	"github.com/google/uuid"
	"github.com/matryer/is"
	"github.com/sourcegraph/conc/pool"
)

// TestServeAcceptLoop exercises the raw accept loop in isolation, with
// a trivial connFunc rather than the replication dispatcher; dispatch
// itself is covered by TestConnFuncReplicationDispatch below.
func TestServeAcceptLoop(t *testing.T) {
	dir := t.TempDir()
	is := is.New(t)

	l, err := net.Listen("unix", path.Join(dir, "server"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*200)
	defer cancel()

	attempts := 100
	counter := atomic.Int32{}

	s := Server{
		config: &Config{},
		l:      l,
		connFunc: func(ctx context.Context, conn net.Conn) error {
			time.Sleep(time.Millisecond)
			counter.Add(1)
			return nil
		},
		log: slog.Default(),
	}

	p := pool.New().WithErrors()
	p.Go(func() error { return s.Serve(ctx) })

	for i := 0; i < attempts; i++ {
		p.Go(func() error {
			conn, err := net.Dial(l.Addr().Network(), l.Addr().String())
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Write([]byte("ping\r\n"))
			return err
		})
	}

	err = p.Wait()
	is.True(errors.Is(err, context.DeadlineExceeded))
	is.Equal(counter.Load(), int32(attempts))
	is.Equal(s.ActiveConns(), int64(0))
}

func newTestInstance() *instance {
	bl := backlog.New(backlog.MinCapacity)
	reg := replid.New()
	selfUUID := uuid.New()
	fo := fanout.New(bl, false, selfUUID)
	engine := store.NewMemoryEngine()
	ld := leader.New(reg, bl, fo, engine)

	runner := tick.New(tick.Config{ReplTimeout: time.Minute})
	runner.Leader = ld
	runner.Fanout = fo
	runner.Registry = reg
	runner.Backlog = bl

	return &instance{
		cfg:      &Config{},
		selfUUID: selfUUID,
		registry: reg,
		backlog:  bl,
		fanout:   fo,
		engine:   engine,
		leader:   ld,
		ticker:   runner,
		logger:   slog.Default(),
	}
}

// TestConnFuncReplicationDispatch drives the replication connFunc
// directly over a net.Pipe, exercising PING, REPLCONF uuid, PSYNC full
// resync, and ROLE, the way the accept loop would once a real follower
// connects.
func TestConnFuncReplicationDispatch(t *testing.T) {
	inst := newTestInstance()

	server, client := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- inst.connFunc(ctx, server) }()

	p := protocol.NewConnection(client)

	pong, err := p.RoundTrip(protocol.NewOutgoingCommand("PING"))
	if err != nil {
		t.Fatal(err)
	}
	if pong.Kind != protocol.SimpleString || pong.Str != "PONG" {
		t.Fatalf("expected PONG, got %v", pong)
	}

	idReply, err := p.RoundTrip(protocol.NewOutgoingCommand("REPLCONF", "uuid", "active-replica:"+uuid.New().String()))
	if err != nil {
		t.Fatal(err)
	}
	if idReply.Kind != protocol.SimpleString || idReply.Str != inst.selfUUID.String() {
		t.Fatalf("expected leader identity, got %v", idReply)
	}

	roleReply, err := p.RoundTrip(protocol.NewOutgoingCommand("ROLE"))
	if err != nil {
		t.Fatal(err)
	}
	if roleReply.Kind != protocol.Array || len(roleReply.Array) == 0 || roleReply.Array[0].Str != "master" {
		t.Fatalf("expected master role before any PSYNC, got %v", roleReply)
	}

	if _, err := p.Write(protocol.NewOutgoingCommand("PSYNC", "?", "-1")); err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	fullresync, err := p.Read()
	if err != nil {
		t.Fatal(err)
	}
	if fullresync.Kind != protocol.SimpleString {
		t.Fatalf("expected +FULLRESYNC reply, got %v", fullresync)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	marker, err := p.RW.ReadByte()
	if err != nil {
		t.Fatal(err)
	}
	if marker != '$' {
		t.Fatalf("expected bulk snapshot header, got %q", marker)
	}

	client.Close()
	<-done
}
