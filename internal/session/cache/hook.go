package cache

import (
	"context"
	"errors"
	"net"

	"github.com/redis/go-redis/v9"
)

// availabilityHook flips the cache flag from what the client actually observes.
type availabilityHook struct {
	c *Cache
}

func (h availabilityHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		h.observe(err)
		return conn, err
	}
}

func (h availabilityHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(err)
		return err
	}
}

func (h availabilityHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.observe(err)
		return err
	}
}

// observe treats any server reply, including nil and command errors, as proof of liveness.
// Caller cancellation says nothing about the server and leaves the flag alone.
func (h availabilityHook) observe(err error) {
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		h.c.setAvailable(true)
	case errors.Is(err, context.Canceled):
	default:
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			h.c.setAvailable(true)
			return
		}
		h.c.setAvailable(false)
	}
}
