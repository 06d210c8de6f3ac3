package writersroom

import (
	"time"

	"github.com/cjliu2003/writersroom-sub006/fallback"
)

// Options tunes the engine. Zero fields are filled in by SetDefaults,
// so a zero Options is a usable production configuration.
type Options struct {
	// KeepaliveInterval is the websocket ping cadence. It runs on its
	// own timer so slow document operations never delay it.
	KeepaliveInterval time.Duration
	// LivenessTimeout is the read deadline; a connection that stays
	// silent past it (no frames, no pongs) is force-closed.
	LivenessTimeout time.Duration
	// PresenceTTL is how long a presence record survives without a
	// refresh before the sweeper declares the session stale.
	PresenceTTL   time.Duration
	SweepInterval time.Duration

	// CompactThreshold is the journal entry count past which a
	// background compaction is scheduled.
	CompactThreshold int

	// SendQueueLimit caps outbound frames per connection; a client
	// that cannot drain its queue is closed rather than stalling the
	// document.
	SendQueueLimit int

	AppendRetries    int
	AppendRetryDelay time.Duration

	FallbackLockWait time.Duration
	Limits           fallback.Limits
}

func (o *Options) SetDefaults() {
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 25 * time.Second
	}
	if o.LivenessTimeout == 0 {
		o.LivenessTimeout = 31 * time.Second
	}
	if o.PresenceTTL == 0 {
		o.PresenceTTL = 30 * time.Second
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.CompactThreshold == 0 {
		o.CompactThreshold = 100
	}
	if o.SendQueueLimit == 0 {
		o.SendQueueLimit = 1024
	}
	if o.AppendRetries == 0 {
		o.AppendRetries = 5
	}
	if o.AppendRetryDelay == 0 {
		o.AppendRetryDelay = 500 * time.Millisecond
	}
	if o.FallbackLockWait == 0 {
		o.FallbackLockWait = 2 * time.Second
	}
	if o.Limits == (fallback.Limits{}) {
		o.Limits = fallback.DefaultLimits()
	}
}
