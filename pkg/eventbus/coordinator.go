package eventbus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

type Cursor struct {
	StreamID string
	Seq      uint64
}

// Coordinator consumes one conversation topic, stamps each envelope with a
// monotonic cursor and hands the re-encoded frame to onFrame, in order.
type Coordinator struct {
	convID     int64
	subscriber message.Subscriber
	onFrame    func(Envelope, []byte)

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stopped chan struct{}
}

func NewCoordinator(convID int64, subscriber message.Subscriber, onFrame func(Envelope, []byte)) *Coordinator {
	return &Coordinator{convID: convID, subscriber: subscriber, onFrame: onFrame}
}

// Start subscribes and returns once the subscription exists, so events
// published afterwards are not missed.
func (c *Coordinator) Start(ctx context.Context) error {
	if c == nil || c.subscriber == nil {
		return nil
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, Topic(c.convID))
	if err != nil {
		c.mu.Unlock()
		cancel()
		return err
	}
	c.cancel = cancel
	c.running = true
	c.stopped = make(chan struct{})
	stopped := c.stopped
	c.mu.Unlock()

	go c.consume(ch, stopped)
	return nil
}

func (c *Coordinator) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	stopped := c.stopped
	c.mu.Unlock()
	if stopped != nil {
		<-stopped
	}
}

func (c *Coordinator) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) consume(ch <-chan *message.Message, stopped chan struct{}) {
	defer close(stopped)
	log.Debug().Str("component", "eventbus").Int64("conv_id", c.convID).Msg("coordinator started")
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Int64("conv_id", c.convID).Msg("coordinator: failed to decode envelope")
			msg.Ack()
			continue
		}
		cur := Cursor{StreamID: extractStreamID(msg)}
		cur.Seq = c.nextSeq(cur.StreamID)
		env.StreamID = cur.StreamID
		env.StreamSeq = cur.Seq

		frame, err := json.Marshal(env)
		if err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Msg("coordinator: failed to encode frame")
			msg.Ack()
			continue
		}
		if c.onFrame != nil {
			c.onFrame(env, frame)
		}
		msg.Ack()
	}
	log.Debug().Str("component", "eventbus").Int64("conv_id", c.convID).Msg("coordinator stopped")
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
}

// nextSeq derives the cursor from the redis stream id when there is one and
// falls back to a time-based counter; either way it strictly increases.
func (c *Coordinator) nextSeq(streamID string) uint64 {
	var base uint64
	if derived, ok := deriveSeqFromStreamID(streamID); ok {
		base = derived
	} else {
		base = uint64(time.Now().UnixMilli()) * 1_000_000
	}
	for {
		current := c.seq.Load()
		next := base
		if next <= current {
			next = current + 1
		}
		if c.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// deriveSeqFromStreamID maps "<ms>-<n>" to ms*1e6+n.
func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	parts := strings.Split(streamID, "-")
	if len(parts) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms*1_000_000 + seq, true
}
