package pulse

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// RedisOptions configures the real Pulse client backed by a Redis
// connection, mirroring the reference repo's own clients/pulse.Options:
// callers build a Redis client and hand it here, rather than the Bridge
// talking to Redis directly.
type RedisOptions struct {
	// Redis is the connection used to back Pulse streams. Required.
	Redis *redis.Client
	// StreamMaxLen bounds entries kept per stream. Zero uses Pulse defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual Add calls. Zero means no timeout.
	OperationTimeout time.Duration
}

// redisClient is the real Client implementation, used in production; Run's
// Subscriber/Client seam exists so tests can substitute an in-memory fake.
type redisClient struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// NewRedisClient constructs a Client backed by a live Redis connection.
func NewRedisClient(opts RedisOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errRedisRequired
	}
	return &redisClient{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *redisClient) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errStreamNameRequired
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, err
	}
	return &redisStream{stream: str, timeout: c.timeout}, nil
}

func (c *redisClient) Close(ctx context.Context) error {
	return c.redis.Close()
}

type redisStream struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (s *redisStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.stream.Add(ctx, event, payload)
}

var (
	errRedisRequired      = &clientError{"pulse: redis client is required"}
	errStreamNameRequired = &clientError{"pulse: stream name is required"}
)

type clientError struct{ msg string }

func (e *clientError) Error() string { return e.msg }
