package fanout

import (
	"sync"

	"testing"

	"github.com/anarchoredis/replicore/activereplica"
	"github.com/anarchoredis/replicore/backlog"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"
)

type fakeFollower struct {
	mu         sync.Mutex
	id         uuid.UUID
	online     bool
	selectedDB int
	skipped    int64
	received   [][]byte
}

func newFakeFollower() *fakeFollower {
	return &fakeFollower{id: uuid.New(), online: true, selectedDB: -1}
}

func (f *fakeFollower) UUID() uuid.UUID { return f.id }
func (f *fakeFollower) Enqueue(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, append([]byte(nil), data...))
	return nil
}
func (f *fakeFollower) SelectedDB() int        { return f.selectedDB }
func (f *fakeFollower) SetSelectedDB(db int)   { f.selectedDB = db }
func (f *fakeFollower) AddSkippedBytes(n int64) { f.skipped += n }
func (f *fakeFollower) Online() bool           { return f.online }

func TestPropagateAppendsToBacklog(t *testing.T) {
	bl := backlog.New(backlog.MinCapacity)
	fo := New(bl, false, uuid.New())

	f1 := newFakeFollower()
	fo.Attach(f1)

	err := fo.Propagate(0, uuid.Nil, 0, "SET", "foo", "bar")
	assert.NilError(t, err)

	assert.Equal(t, bl.Offset() > 0, true)
	assert.Equal(t, len(f1.received) >= 1, true)
}

func TestPropagateEmitsSelectOnDBChange(t *testing.T) {
	bl := backlog.New(backlog.MinCapacity)
	fo := New(bl, false, uuid.New())

	f1 := newFakeFollower()
	fo.Attach(f1)

	assert.NilError(t, fo.Propagate(0, uuid.Nil, 0, "SET", "a", "1"))
	assert.NilError(t, fo.Propagate(2, uuid.Nil, 0, "SET", "b", "2"))

	// db 0 write: the stream starts with no database selected, so the
	// follower sees SELECT 0 then SET.
	// db 2 write: SELECT should be injected.
	found := false
	for _, msg := range f1.received {
		if string(msg) != "" && containsSelect(msg, "2") {
			found = true
		}
	}
	assert.Equal(t, found, true)
}

func containsSelect(data []byte, db string) bool {
	s := string(data)
	return len(s) > 0 && (s == "*2\r\n$6\r\nSELECT\r\n$1\r\n"+db+"\r\n" ||
		indexOf(s, "SELECT") >= 0 && indexOf(s, db) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestPropagateActiveReplicaSkipsOrigin(t *testing.T) {
	bl := backlog.New(backlog.MinCapacity)
	self := uuid.New()
	fo := New(bl, true, self)

	origin := uuid.New()
	f1 := newFakeFollower()
	f1.id = origin
	fo.Attach(f1)

	f2 := newFakeFollower()
	fo.Attach(f2)

	err := fo.Propagate(0, origin, 7, "SET", "x", "y")
	assert.NilError(t, err)

	assert.Equal(t, len(f1.received), 0)
	assert.Equal(t, f1.skipped > 0, true)
	assert.Equal(t, len(f2.received) >= 1, true)
}

func TestPropagateWrapsRREPLAYWhenActive(t *testing.T) {
	bl := backlog.New(backlog.MinCapacity)
	self := uuid.New()
	fo := New(bl, true, self)

	f1 := newFakeFollower()
	fo.Attach(f1)

	assert.NilError(t, fo.Propagate(0, uuid.Nil, 0, "SET", "x", "y"))

	assert.Equal(t, len(f1.received) >= 1, true)
	last := f1.received[len(f1.received)-1]
	assert.Equal(t, indexOf(string(last), "RREPLAY") >= 0, true)
	assert.Equal(t, indexOf(string(last), activereplica.Identity(self)) >= 0, true)
}

func TestOfflineFollowerIsSkipped(t *testing.T) {
	bl := backlog.New(backlog.MinCapacity)
	fo := New(bl, false, uuid.New())

	f1 := newFakeFollower()
	f1.online = false
	fo.Attach(f1)

	assert.NilError(t, fo.Propagate(0, uuid.Nil, 0, "PING"))
	assert.Equal(t, len(f1.received), 0)
}

func TestRelayForwardsVerbatimBytes(t *testing.T) {
	bl := backlog.New(backlog.MinCapacity)
	fo := New(bl, false, uuid.New())

	f1 := newFakeFollower()
	fo.Attach(f1)

	raw := []byte("*1\r\n$4\r\nPING\r\n")
	assert.NilError(t, fo.Relay(raw))

	assert.Equal(t, len(f1.received), 1)
	assert.Equal(t, string(f1.received[0]), string(raw))
	assert.Equal(t, bl.Offset(), int64(len(raw)))
}

func TestRelaySkipsOfflineFollowers(t *testing.T) {
	bl := backlog.New(backlog.MinCapacity)
	fo := New(bl, false, uuid.New())

	f1 := newFakeFollower()
	f1.online = false
	fo.Attach(f1)

	assert.NilError(t, fo.Relay([]byte("*1\r\n$4\r\nPING\r\n")))
	assert.Equal(t, len(f1.received), 0)
}
