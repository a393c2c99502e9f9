package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aatumaykin/nexq/internal/logger"
)

// DefaultChannelPrefix namespaces the pub/sub channels, one per queue.
const DefaultChannelPrefix = "nexq:wake:"

// RedisConfig configures the Redis notifier.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// Redis carries wake-ups between processes over Redis pub/sub and fans them
// out locally.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	prefix string
	local  *Local
	logger *logger.Logger

	mu     sync.Mutex
	queues map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Notifier = (*Redis)(nil)

// NewRedis connects to Redis and starts the receive loop.
func NewRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisWithClient(ctx, client, cfg.ChannelPrefix, log), nil
}

func newRedisWithClient(ctx context.Context, client *redis.Client, prefix string, log *logger.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = logger.Nop()
	}
	r := &Redis{
		client: client,
		pubsub: client.Subscribe(ctx),
		prefix: prefix,
		local:  NewLocal(),
		logger: log,
		queues: make(map[string]int),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.receive()
	return r
}

func (r *Redis) channel(queue string) string {
	return r.prefix + queue
}

func (r *Redis) receive() {
	defer r.wg.Done()
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			queue := strings.TrimPrefix(msg.Channel, r.prefix)
			_ = r.local.Notify(context.Background(), queue)
		}
	}
}

func (r *Redis) Notify(ctx context.Context, queue string) error {
	if err := r.client.Publish(ctx, r.channel(queue), "1").Err(); err != nil {
		return fmt.Errorf("publish wake-up for %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) Subscribe(queue string) (<-chan struct{}, func()) {
	r.mu.Lock()
	if r.queues[queue] == 0 {
		if err := r.pubsub.Subscribe(context.Background(), r.channel(queue)); err != nil {
			r.logger.Warn("redis subscribe failed, falling back to polling",
				logger.Field{Key: "queue", Value: queue},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}
	r.queues[queue]++
	r.mu.Unlock()

	ch, cancel := r.local.Subscribe(queue)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			r.mu.Lock()
			defer r.mu.Unlock()
			r.queues[queue]--
			if r.queues[queue] <= 0 {
				delete(r.queues, queue)
				_ = r.pubsub.Unsubscribe(context.Background(), r.channel(queue))
			}
		})
	}
}

func (r *Redis) Close() error {
	close(r.done)
	err := r.pubsub.Close()
	r.wg.Wait()
	_ = r.local.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
