package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/anarchoredis/replicore/protocol"
)

// MemoryEngine is a minimal in-memory Engine used by tests and by
// standalone follower instances that don't need durability. Its
// snapshot format is a simple newline-delimited key\tvalue stream,
// intentionally not badger's format: the two engines are never
// expected to exchange snapshots directly.
type MemoryEngine struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryEngine builds an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{data: make(map[string]string)}
}

func (e *MemoryEngine) Apply(ctx context.Context, cmd *protocol.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch cmd.Name {
	case "SET":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("store: SET needs key and value")
		}
		e.data[cmd.Args[0]] = cmd.Args[1]
	case "DEL", "UNLINK":
		for _, key := range cmd.Args {
			delete(e.data, key)
		}
	case "FLUSHALL", "FLUSHDB":
		e.data = make(map[string]string)
	}
	return nil
}

func (e *MemoryEngine) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

func (e *MemoryEngine) TakeSnapshot(ctx context.Context, w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bw := bufio.NewWriter(w)
	for k, v := range e.data {
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", k, v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (e *MemoryEngine) LoadSnapshot(ctx context.Context, r io.Reader) error {
	next := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		for i := 0; i < len(line); i++ {
			if line[i] == '\t' {
				next[line[:i]] = line[i+1:]
				break
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.data = next
	e.mu.Unlock()
	return nil
}

func (e *MemoryEngine) Close() error { return nil }
