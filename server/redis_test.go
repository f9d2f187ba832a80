package server_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anarchoredis/replicore/server"
)

func TestRun(t *testing.T) {
	cfg := &server.Config{
		Address: "localhost:0",
		DataDir: t.TempDir(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	err := server.RunWithConfig(ctx, cfg)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
}
