//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ehr/recordvault/internal/platform/db"
)

const postgresImage = "postgres:16-alpine"

// startPostgres runs a disposable Postgres through the docker CLI. Docker
// picks the host port; it is read back with `docker port`.
func startPostgres(ctx context.Context) (string, func(), error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, errors.New("docker not found and TEST_DATABASE_URL not set")
	}

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=vault",
		"-e", "POSTGRES_PASSWORD=vault",
		"-e", "POSTGRES_DB=recordvault",
		postgresImage,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	stop := func() { _ = exec.Command("docker", "stop", id).Run() }

	out, err = exec.CommandContext(ctx, "docker", "port", id, "5432/tcp").Output()
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("docker port: %w", err)
	}
	// "127.0.0.1:49153", possibly followed by an IPv6 line
	addr, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")

	url := fmt.Sprintf("postgres://vault:vault@%s/recordvault?sslmode=disable", addr)
	if err := awaitReady(ctx, url, 30*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return url, stop, nil
}

func awaitReady(ctx context.Context, url string, within time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		attempt, done := context.WithTimeout(ctx, 2*time.Second)
		pool, err := db.NewPool(attempt, url, db.PoolOptions{MaxConns: 1})
		done()
		if err == nil {
			pool.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %w", within, err)
		case <-tick.C:
		}
	}
}
