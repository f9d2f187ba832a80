package protocol

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Command is a decoded client command: a name, its arguments, and a
// pointer back to the Message it was parsed from.
type Command struct {
	Name string
	Args []string

	Database string

	Message *Message
}

var commandsWithoutKey = map[string]bool{
	"FLUSHALL": true, "FLUSHDB": true, "SELECT": true, "FUNCTION": true,
	"CLIENT": true, "CLUSTER": true, "ACL": true, "COMMAND": true, "CONFIG": true, "PING": true,
	"AUTH": true, "REPLCONF": true, "SYNC": true, "PSYNC": true, "REPLICAOF": true,
	"SLAVEOF": true, "ROLE": true, "WAIT": true, "RREPLAY": true, "INFO": true,
}

var commandsWithSubOp = map[string]bool{
	"BITOP": true, "FUNCTION": true, "SCRIPT": true, "CLIENT": true,
	"CLUSTER": true, "ACL": true, "COMMAND": true, "CONFIG": true,
}

// ErrInvalidCommand is returned when a command is malformed or unknown.
var ErrInvalidCommand = errors.New("invalid command")

// Cmd classifies the decoded array msg as a Command: name, sub-op (if
// any), and arguments. Clients send commands as an array of bulk
// strings; the first (and sometimes second) element is the name.
func (msg *Message) Cmd() (*Command, error) {
	if msg.Kind != Array {
		return nil, fmt.Errorf("%w; expected array got %s", ErrInvalidCommand, msg.Kind)
	}
	if len(msg.Array) == 0 {
		return nil, fmt.Errorf("%w; empty command array", ErrInvalidCommand)
	}
	for i, elem := range msg.Array {
		if elem.Kind != BulkString {
			return nil, fmt.Errorf("%w; expected BulkString for %d-th element, got %s",
				ErrInvalidCommand, i, elem.Kind)
		}
	}

	cmd := &Command{Message: msg}
	cmd.Name = strings.ToUpper(msg.Array[0].Str)
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w; expected non-empty command name", ErrInvalidCommand)
	}

	startIndex := 1
	switch {
	case commandsWithSubOp[cmd.Name]:
		if len(msg.Array) < 3 {
			return nil, fmt.Errorf("%w; expected at least three elements for command %s got %d",
				ErrInvalidCommand, cmd.Name, len(msg.Array))
		}
		cmd.Name = cmd.Name + " " + strings.ToUpper(msg.Array[1].Str)
		startIndex = 2
	case !commandsWithoutKey[cmd.Name]:
		if len(msg.Array) < 2 {
			return nil, fmt.Errorf("%w; expected at least two elements for command %s got %d",
				ErrInvalidCommand, cmd.Name, len(msg.Array))
		}
	}

	for i := startIndex; i < len(msg.Array); i++ {
		cmd.Args = append(cmd.Args, msg.Array[i].Str)
	}

	return cmd, nil
}

func firstArgKeyFunc(args []string) ([]string, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: expected at least one argument", ErrInvalidCommand)
	}
	return args[0:1], nil
}

// oddIndices returns the 1st, 3rd, 5th, ... elements of args — the keys
// in a key-value-alternating command like MSET.
func oddIndices(args []string) ([]string, error) {
	if len(args)%2 == 1 {
		return nil, fmt.Errorf("%w: expected an even number of arguments", ErrInvalidCommand)
	}
	var keys []string
	for i := 0; i < len(args); i += 2 {
		keys = append(keys, args[i])
	}
	return keys, nil
}

func allArgsKeyFunc(args []string) ([]string, error) { return args, nil }

func noKeysFunc([]string) ([]string, error) { return nil, nil }

// CommandSpecification describes how to extract keys from a command's
// arguments, and which categories (read/write/fast/...) it belongs to.
type CommandSpecification struct {
	Keys       func([]string) ([]string, error)
	Categories []string
}

var cmdSpec = map[string]CommandSpecification{
	// connection / replication control: no keys, not writes, but must
	// be recognized so Keys()/IsWrite() don't error on them.
	"SELECT":    {noKeysFunc, []string{"fast", "connection"}},
	"PING":      {noKeysFunc, []string{"fast", "connection"}},
	"AUTH":      {noKeysFunc, []string{"fast", "connection"}},
	"REPLCONF":  {noKeysFunc, []string{"fast", "replication"}},
	"SYNC":      {noKeysFunc, []string{"slow", "replication"}},
	"PSYNC":     {noKeysFunc, []string{"slow", "replication"}},
	"REPLICAOF": {noKeysFunc, []string{"admin", "replication"}},
	"SLAVEOF":   {noKeysFunc, []string{"admin", "replication"}},
	"ROLE":      {noKeysFunc, []string{"fast", "replication"}},
	"WAIT":      {noKeysFunc, []string{"slow", "replication"}},
	"RREPLAY":   {noKeysFunc, []string{"write", "replication"}},
	"INFO":      {noKeysFunc, []string{"fast", "connection"}},

	// keyspace
	"UNLINK":   {allArgsKeyFunc, []string{"keyspace", "write", "fast"}},
	"DEL":      {allArgsKeyFunc, []string{"keyspace", "write", "fast"}},
	"EXPIRE":   {firstArgKeyFunc, []string{"keyspace", "write", "fast"}},
	"FLUSHALL": {noKeysFunc, []string{"keyspace", "write", "slow", "dangerous"}},
	"FLUSHDB":  {noKeysFunc, []string{"keyspace", "write", "slow", "dangerous"}},

	// strings
	"APPEND":      {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"DECR":        {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"DECRBY":      {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"GET":         {firstArgKeyFunc, []string{"read", "string", "fast"}},
	"GETDEL":      {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"GETEX":       {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"GETRANGE":    {firstArgKeyFunc, []string{"read", "string", "slow"}},
	"GETSET":      {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"INCR":        {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"INCRBY":      {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"INCRBYFLOAT": {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"LCS": {func(args []string) ([]string, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: expected at least two arguments", ErrInvalidCommand)
		}
		return args[0:2], nil
	}, []string{"read", "string", "slow"}},
	"MGET":     {allArgsKeyFunc, []string{"read", "string", "fast"}},
	"MSET":     {oddIndices, []string{"write", "string", "fast"}},
	"MSETNX":   {oddIndices, []string{"write", "string", "fast"}},
	"SET":      {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"SETRANGE": {firstArgKeyFunc, []string{"write", "string", "fast"}},
	"STRLEN":   {firstArgKeyFunc, []string{"read", "string", "fast"}},

	// sets / sorted sets
	"SADD": {firstArgKeyFunc, []string{"write", "set", "fast"}},
	"SREM": {firstArgKeyFunc, []string{"write", "set", "fast"}},
	"ZADD": {firstArgKeyFunc, []string{"write", "sortedset", "fast"}},
}

// Keys returns the keys affected by the command.
func (cmd *Command) Keys() ([]string, error) {
	spec, ok := cmdSpec[cmd.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not supported", ErrInvalidCommand, cmd.Name)
	}
	return spec.Keys(cmd.Args)
}

// IsWrite says whether the command would result in a write if executed.
func (cmd *Command) IsWrite() bool {
	spec := cmdSpec[cmd.Name]
	return slices.Contains(spec.Categories, "write")
}
