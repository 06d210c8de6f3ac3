// Package fanout distributes update, presence, join and leave traffic
// across every server process serving the same document. The normal
// backend is Redis pub/sub; when Redis is unreachable the relay
// degrades to a single-process in-memory broadcast with the same
// interface, so one process keeps working without cross-process
// propagation.
package fanout

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/cjliu2003/writersroom-sub006/utils"
)

// Per-document channel names.
func UpdateChannel(doc string) string   { return "upd:" + doc }
func PresenceChannel(doc string) string { return "prs:" + doc }
func JoinChannel(doc string) string     { return "join:" + doc }
func LeaveChannel(doc string) string    { return "leave:" + doc }

type Message struct {
	Channel string
	Payload []byte
}

type Subscription interface {
	// C delivers messages until the subscription is closed.
	C() <-chan Message
	Close() error
}

type Relay interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	// Mode reports the active backend, "redis" or "local".
	Mode() string
	Close() error
}

// Open connects to Redis when an address is configured and reachable,
// and otherwise returns the in-process relay. Degradation is
// transparent: callers get a working Relay either way.
func Open(ctx context.Context, redisAddr string, log utils.Logger) Relay {
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err == nil {
			log.Info("fanout: using redis backend", "addr", redisAddr)
			return NewRedisRelay(rdb)
		} else {
			_ = rdb.Close()
			log.Warn("fanout: redis unreachable, single-process mode",
				"addr", redisAddr, "err", err)
		}
	} else {
		log.Warn("fanout: no redis configured, single-process mode")
	}
	return NewLocalRelay(log)
}

type RedisRelay struct {
	rdb *redis.Client
}

func NewRedisRelay(rdb *redis.Client) *RedisRelay {
	return &RedisRelay{rdb: rdb}
}

func (r *RedisRelay) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.rdb.Publish(ctx, channel, payload).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSub{ps: ps, out: make(chan Message, subBuffer)}
	go sub.pump()
	return sub, nil
}

func (r *RedisRelay) Mode() string { return "redis" }

func (r *RedisRelay) Close() error { return r.rdb.Close() }

type redisSub struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSub) pump() {
	for msg := range s.ps.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
	close(s.out)
}

func (s *redisSub) C() <-chan Message { return s.out }

func (s *redisSub) Close() error { return s.ps.Close() }
