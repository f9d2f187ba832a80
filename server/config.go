package server

import (
	"time"

	"github.com/alexflint/go-arg"
)

type Config struct {
	Address string `arg:"--address" env:"AR_LISTEN_ADDRESS" help:"address to listen on" default:"localhost:36379"`

	DataDir string `arg:"--dir" env:"AR_DIR" help:"directory for the storage engine" default:"./data"`

	BacklogSize      int           `arg:"--repl-backlog-size" env:"AR_REPL_BACKLOG_SIZE" help:"replication backlog size in bytes" default:"1048576"`
	ReplTimeout      time.Duration `arg:"--repl-timeout" env:"AR_REPL_TIMEOUT" help:"seconds before a stalled replication link is dropped" default:"60s"`
	ReplPingPeriod   time.Duration `arg:"--repl-ping-replica-period" env:"AR_REPL_PING_PERIOD" help:"how often to ping idle followers" default:"10s"`
	BacklogTimeLimit time.Duration `arg:"--repl-backlog-ttl" env:"AR_REPL_BACKLOG_TTL" help:"how long an idle leader keeps its backlog before freeing it" default:"1h"`

	DisklessSync      bool          `arg:"--repl-diskless-sync" env:"AR_REPL_DISKLESS_SYNC" help:"stream snapshots over the socket instead of to a file" default:"false"`
	DisklessSyncDelay time.Duration `arg:"--repl-diskless-sync-delay" env:"AR_REPL_DISKLESS_SYNC_DELAY" help:"wait for more followers to queue before starting a diskless snapshot" default:"5s"`

	MinSlavesMaxLag int64 `arg:"--min-replicas-max-lag" env:"AR_MIN_REPLICAS_MAX_LAG" help:"max lag in bytes for a follower to count as good" default:"10485760"`

	ActiveReplica bool   `arg:"--active-replica" env:"AR_ACTIVE_REPLICA" help:"enable active-active RREPLAY wrapping" default:"false"`
	ReplicaOf     string `arg:"--replicaof" env:"AR_REPLICAOF" help:"upstream leader address to follow, host:port" default:""`
}

func (c *Config) Parse() error {
	if c == nil {
		c = &Config{}
	}

	err := arg.Parse(c)

	return err
}
