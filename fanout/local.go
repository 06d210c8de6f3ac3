package fanout

import (
	"context"
	"sync"

	"github.com/cjliu2003/writersroom-sub006/utils"
)

const subBuffer = 256

// LocalRelay is the single-process fallback: a plain in-memory
// broadcast keyed by channel name. A slow subscriber loses messages
// rather than stalling the publisher; the CRDT merge tolerates loss
// because any later handshake re-converges the replicas.
type LocalRelay struct {
	lock sync.Mutex
	subs map[string]map[*localSub]struct{}
	log  utils.Logger
}

func NewLocalRelay(log utils.Logger) *LocalRelay {
	return &LocalRelay{
		subs: make(map[string]map[*localSub]struct{}),
		log:  log,
	}
}

func (r *LocalRelay) Publish(_ context.Context, channel string, payload []byte) error {
	msg := Message{Channel: channel, Payload: payload}
	r.lock.Lock()
	defer r.lock.Unlock()
	for sub := range r.subs[channel] {
		select {
		case sub.out <- msg:
		default:
			r.log.Warn("fanout: dropping message for slow local subscriber",
				"channel", channel)
		}
	}
	return nil
}

func (r *LocalRelay) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &localSub{
		relay:    r,
		channels: channels,
		out:      make(chan Message, subBuffer),
	}
	r.lock.Lock()
	for _, ch := range channels {
		if r.subs[ch] == nil {
			r.subs[ch] = make(map[*localSub]struct{})
		}
		r.subs[ch][sub] = struct{}{}
	}
	r.lock.Unlock()
	return sub, nil
}

func (r *LocalRelay) Mode() string { return "local" }

func (r *LocalRelay) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for ch, subs := range r.subs {
		for sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.out)
			}
		}
		delete(r.subs, ch)
	}
	return nil
}

type localSub struct {
	relay    *LocalRelay
	channels []string
	out      chan Message
	closed   bool
}

func (s *localSub) C() <-chan Message { return s.out }

func (s *localSub) Close() error {
	s.relay.lock.Lock()
	defer s.relay.lock.Unlock()
	if s.closed {
		return nil
	}
	for _, ch := range s.channels {
		delete(s.relay.subs[ch], s)
		if len(s.relay.subs[ch]) == 0 {
			delete(s.relay.subs, ch)
		}
	}
	s.closed = true
	close(s.out)
	return nil
}
