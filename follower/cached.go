package follower

import "time"

// CachedLeader preserves a disconnected leader connection's stream
// position so a later PSYNC can resume without a full transfer. It is
// created on abnormal disconnection of a Connected follower and either
// resurrected (PSYNC +CONTINUE) or discarded (+FULLRESYNC or a hard
// error).
type CachedLeader struct {
	ReplID   string
	Offset   int64
	CachedAt time.Time
}

// CacheLeader snapshots the follower's current stream position as a
// CachedLeader, to be consulted on the next reconnection attempt. It
// does not itself close the connection; callers close it and then
// call CacheLeader before retrying.
func (f *Follower) CacheLeader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = &CachedLeader{
		ReplID:   f.MasterReplID,
		Offset:   f.offset,
		CachedAt: time.Now(),
	}
}

// discardCachedLeader drops the cached leader entirely: called when a
// PSYNC resolves to FULLRESYNC, since the cached position can no
// longer be resumed from.
func (f *Follower) discardCachedLeader() {
	f.mu.Lock()
	f.cached = nil
	f.mu.Unlock()
}

// resurrectCachedLeader re-adopts the cached leader's position after a
// successful PSYNC +CONTINUE: the new socket carries on from where the
// cached connection left off.
func (f *Follower) resurrectCachedLeader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil {
		f.offset = f.cached.Offset
	}
	f.cached = nil
}

// HasCachedLeader reports whether a cached leader is currently held.
func (f *Follower) HasCachedLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached != nil
}

// SynthesizeCachedLeader builds a cached leader from this instance's
// own replication identity at the moment it is told REPLICAOF a
// former follower now promoted to leader, so the first PSYNC after the
// handoff can still be partial instead of a full transfer.
func (f *Follower) SynthesizeCachedLeader(primaryID string, masterReplOffset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = &CachedLeader{
		ReplID:   primaryID,
		Offset:   masterReplOffset,
		CachedAt: time.Now(),
	}
}
