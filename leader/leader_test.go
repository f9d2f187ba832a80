package leader

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/anarchoredis/replicore/backlog"
	"github.com/anarchoredis/replicore/fanout"
	"github.com/anarchoredis/replicore/protocol"
	"github.com/anarchoredis/replicore/replid"
	"github.com/anarchoredis/replicore/store"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"
)

func newTestLeader() (*Leader, *backlog.Backlog) {
	bl := backlog.New(backlog.MinCapacity)
	reg := replid.New()
	fo := fanout.New(bl, false, uuid.New())
	engine := store.NewMemoryEngine()
	return New(reg, bl, fo, engine), bl
}

func pipeSession() (*Session, net.Conn) {
	server, client := net.Pipe()
	sess := NewSession(uuid.New(), protocol.NewConnection(server))
	return sess, client
}

func TestHandlePSYNCFullResyncWhenNoHistory(t *testing.T) {
	l, _ := newTestLeader()
	sess, client := pipeSession()
	defer client.Close()

	result, err := l.HandlePSYNC(sess, "?", -1)
	assert.NilError(t, err)
	assert.Equal(t, result.Partial, false)
	assert.Equal(t, sess.State, WaitBgsaveStart)
}

func TestHandlePSYNCPartialResyncAccepted(t *testing.T) {
	l, bl := newTestLeader()
	bl.Append([]byte("0123456789"))

	sess, client := pipeSession()
	defer client.Close()

	primary := l.Registry.Primary().String()
	result, err := l.HandlePSYNC(sess, primary, 5)
	assert.NilError(t, err)
	assert.Equal(t, result.Partial, true)
	assert.Equal(t, sess.State, Online)
	assert.Equal(t, string(result.Backfill), "456789")
}

func TestHandlePSYNCBacklogMissFullResyncs(t *testing.T) {
	l, bl := newTestLeader()
	bl.Append(bytes.Repeat([]byte("x"), backlog.MinCapacity+10))

	sess, client := pipeSession()
	defer client.Close()

	primary := l.Registry.Primary().String()
	result, err := l.HandlePSYNC(sess, primary, 1)
	assert.NilError(t, err)
	assert.Equal(t, result.Partial, false)
}

func TestScheduleSnapshotDeliversAndAttaches(t *testing.T) {
	l, _ := newTestLeader()
	sess, client := pipeSession()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- l.ScheduleSnapshot(context.Background(), sess)
	}()

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := client.Read(buf)
	assert.Equal(t, n > 0, true)
	assert.Equal(t, buf[0], byte('$'))

	assert.NilError(t, <-done)
	assert.Equal(t, sess.State, Online)

	found := false
	for _, s := range l.Sessions() {
		if s == sess {
			found = true
		}
	}
	assert.Equal(t, found, true)
}

func TestScheduleSnapshotServesConsecutiveWaiters(t *testing.T) {
	l, _ := newTestLeader()

	sess1, c1 := pipeSession()
	defer c1.Close()
	sess2, c2 := pipeSession()
	defer c2.Close()

	results := make(chan error, 2)
	go func() { results <- l.ScheduleSnapshot(context.Background(), sess1) }()

	// give sess1 a head start; its snapshot has usually finished by the
	// time sess2 arrives, so sess2 may get a snapshot of its own. Either
	// way both waiters must end up online.
	time.Sleep(10 * time.Millisecond)
	go func() { results <- l.ScheduleSnapshot(context.Background(), sess2) }()

	for _, c := range []net.Conn{c1, c2} {
		buf := make([]byte, 64)
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		c.Read(buf)
	}

	assert.NilError(t, <-results)
	assert.NilError(t, <-results)
	assert.Equal(t, sess1.State, Online)
	assert.Equal(t, sess2.State, Online)
}

func TestDisconnectTimedOut(t *testing.T) {
	l, _ := newTestLeader()
	sess, client := pipeSession()
	defer client.Close()

	sess.State = Online
	sess.AckTime = time.Now().Add(-time.Hour)
	l.Attach(sess)

	dropped := l.DisconnectTimedOut(time.Minute)
	assert.Equal(t, len(dropped), 1)
	assert.Equal(t, len(l.Sessions()), 0)
}

func TestGoodFollowerCount(t *testing.T) {
	l, bl := newTestLeader()
	bl.Append([]byte("0123456789"))

	sess, client := pipeSession()
	defer client.Close()
	sess.State = Online
	sess.AckOffset = bl.Offset()
	l.Attach(sess)

	assert.Equal(t, l.GoodFollowerCount(0), 1)

	sess.AckOffset = 0
	assert.Equal(t, l.GoodFollowerCount(0), 0)
}

func TestRequestAckOnNextTick(t *testing.T) {
	l, _ := newTestLeader()
	assert.Equal(t, l.ConsumeAckRequest(), false)

	l.RequestAckOnNextTick()
	assert.Equal(t, l.ConsumeAckRequest(), true)
	assert.Equal(t, l.ConsumeAckRequest(), false)
}

func TestRequestAcksSkipsPendingOnlineFollowers(t *testing.T) {
	l, _ := newTestLeader()
	sess, client := pipeSession()
	defer client.Close()
	sess.State = Online
	sess.PutOnlineOnAck = true
	sess.Capabilities = CapaPSYNC2
	l.Attach(sess)

	assert.NilError(t, l.RequestAcks())

	sess.Lock()
	pending := len(sess.outbox)
	sess.Unlock()
	assert.Equal(t, pending, 0)
}

func TestParseCapability(t *testing.T) {
	assert.Equal(t, ParseCapability("eof"), CapaEOF)
	assert.Equal(t, ParseCapability("psync2"), CapaPSYNC2)
	assert.Equal(t, ParseCapability("bogus"), Capability(0))

	c := CapaEOF | CapaPSYNC2
	assert.Equal(t, c.Has(CapaEOF), true)
	assert.Equal(t, c.Has(CapaActiveExpire), false)
}
