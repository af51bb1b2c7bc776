package db

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// ErrEmptyDSN is returned when no database URL is configured.
var ErrEmptyDSN = errors.New("DATABASE_URL is not set")

// Options tunes pool construction.
type Options struct {
	MaxConns int32
	// Attempts is how many times the initial ping is tried before giving up.
	Attempts uint
	// RetryDelay is the base backoff between attempts.
	RetryDelay time.Duration
	// PingTimeout bounds each ping attempt.
	PingTimeout time.Duration
}

// Open builds a pgx pool for dsn and validates connectivity, retrying the ping with backoff.
// The caller must Close the pool.
func Open(ctx context.Context, dsn string, opts Options, log logrus.FieldLogger) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxConns > 0 {
		pcfg.MaxConns = opts.MaxConns
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	err = retry.Do(
		func() error { return Ping(ctx, pool, opts.PingTimeout) },
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			if log != nil {
				log.WithError(err).WithField("attempt", n+1).Warn("database not reachable, retrying")
			}
		}),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Ping checks that a connection can be acquired within timeout.
func Ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
