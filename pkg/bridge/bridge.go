package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/pairing"
	"github.com/sipeed/picobridge/pkg/routing"
	"github.com/sipeed/picobridge/pkg/rpc"
	"github.com/sipeed/picobridge/pkg/utils"
)

const (
	queueLimit      = 256
	drainInterval   = 100 * time.Millisecond
	cleanupInterval = time.Minute
	chunkDelay      = 500 * time.Millisecond

	apologyText = "Sorry, I couldn't process that message right now. Please try again in a bit."
)

// Backend is the slice of the rpc transport the pipeline needs.
// Satisfied by *rpc.Transport.
type Backend interface {
	SendMessage(msg bus.OutboundMessage) (rpc.SendResult, error)
	ListChats(limit int) (json.RawMessage, error)
	IsRunning() bool
}

// HostPort is the agent-orchestration host seen from the pipeline.
// Inject forwards an inbound message and returns the host's reply text;
// LogMessage records bridge-originated outbound text fire-and-forget.
type HostPort interface {
	Inject(ctx context.Context, sessionKey, text string, meta map[string]string) (string, error)
	LogMessage(sessionKey, text string, meta map[string]string)
}

// SettingsStore re-reads the policy subtree on demand, so allow-list
// edits made while the daemon runs take effect without a restart.
type SettingsStore interface {
	BridgeSettings() (config.BridgeSettings, error)
}

// Bridge is the inbound pipeline: routing, pairing replies, a bounded
// FIFO queue and sequential drain toward the host.
type Bridge struct {
	backend  Backend
	host     HostPort
	settings SettingsStore
	pairings *pairing.Registry

	queueMu sync.Mutex
	queue   []bus.InboundMessage

	statsMu   sync.Mutex
	startedAt time.Time
	accepted  int64
	rejected  int64
	pairSent  int64
	dropped   int64
	perChat   map[string]int64

	stop chan struct{}
	done sync.WaitGroup
}

func New(backend Backend, host HostPort, settings SettingsStore, pairings *pairing.Registry) *Bridge {
	return &Bridge{
		backend:   backend,
		host:      host,
		settings:  settings,
		pairings:  pairings,
		startedAt: time.Now(),
		perChat:   make(map[string]int64),
		stop:      make(chan struct{}),
	}
}

// Start launches the drain and cleanup loops.
func (b *Bridge) Start() {
	b.done.Add(2)
	go b.drainLoop()
	go b.cleanupLoop()
}

// Stop halts the loops. Queued messages are abandoned.
func (b *Bridge) Stop() {
	close(b.stop)
	b.done.Wait()
}

// OnInbound routes one message from the backend. Accepted messages are
// enqueued; unknown senders under a pairing policy get a code reply;
// everything else is dropped silently. Safe to call from the transport's
// read goroutine.
func (b *Bridge) OnInbound(msg bus.InboundMessage) {
	settings, err := b.settings.BridgeSettings()
	if err != nil {
		logger.ErrorCF("bridge", "Failed to read settings, dropping message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	decision := routing.Decide(msg, settings)
	switch decision {
	case routing.Accept:
		b.enqueue(msg)
	case routing.RequirePairing:
		b.replyWithPairingCode(msg)
	default:
		b.bumpRejected()
		logger.DebugCF("bridge", "Message rejected by policy", map[string]interface{}{
			"sender":   msg.Sender,
			"is_group": msg.IsGroup,
		})
	}
}

func (b *Bridge) enqueue(msg bus.InboundMessage) {
	b.queueMu.Lock()
	if len(b.queue) >= queueLimit {
		// Drop the oldest so fresh messages keep their place.
		b.queue = b.queue[1:]
		b.bumpDropped()
		logger.WarnC("bridge", "Inbound queue full, dropping oldest message")
	}
	b.queue = append(b.queue, msg)
	b.queueMu.Unlock()
}

func (b *Bridge) dequeue() (bus.InboundMessage, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if len(b.queue) == 0 {
		return bus.InboundMessage{}, false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, true
}

// QueueDepth returns the number of messages awaiting drain.
func (b *Bridge) QueueDepth() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

func (b *Bridge) drainLoop() {
	defer b.done.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if msg, ok := b.dequeue(); ok {
				b.process(msg)
			}
		}
	}
}

func (b *Bridge) cleanupLoop() {
	defer b.done.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.pairings.CleanupExpired()
		}
	}
}

// process forwards one accepted message to the host and delivers the
// reply. Runs on the drain goroutine only, so sessions never interleave.
func (b *Bridge) process(msg bus.InboundMessage) {
	key := routing.SessionKey(msg)
	b.bumpAccepted(key)

	logger.InfoCF("bridge", "Forwarding message", map[string]interface{}{
		"session": key,
		"preview": utils.Truncate(msg.Text, 80),
	})

	meta := map[string]string{
		"channel": "imessage",
		"sender":  msg.Sender,
	}
	if msg.MessageID != "" {
		meta["message_id"] = msg.MessageID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	reply, err := b.host.Inject(ctx, key, msg.Text, meta)
	cancel()
	if err != nil {
		logger.ErrorCF("bridge", "Host inject failed", map[string]interface{}{
			"session": key,
			"error":   err.Error(),
		})
		// Best-effort apology; if this fails too the sender just gets silence.
		_, _ = b.backend.SendMessage(addressReply(msg, apologyText))
		return
	}
	if reply == "" {
		return
	}

	b.sendChunked(msg, key, reply)
}

// sendChunked splits the reply per the configured limit and paces the
// chunks out so the backend delivers them in order.
func (b *Bridge) sendChunked(msg bus.InboundMessage, sessionKey, reply string) {
	limit := 0
	if settings, err := b.settings.BridgeSettings(); err == nil {
		limit = settings.MaxChunkChars
	}
	if limit <= 0 {
		limit = config.DefaultConfig().Bridge.MaxChunkChars
	}

	chunks := SplitMessage(reply, limit)
	for i, chunk := range chunks {
		if i > 0 {
			time.Sleep(chunkDelay)
		}
		if _, err := b.backend.SendMessage(addressReply(msg, chunk)); err != nil {
			logger.ErrorCF("bridge", "Failed to send reply chunk", map[string]interface{}{
				"session": sessionKey,
				"chunk":   i + 1,
				"error":   err.Error(),
			})
			return
		}
		b.host.LogMessage(sessionKey, chunk, map[string]string{
			"channel":   "imessage",
			"direction": "outbound",
		})
	}
}

// replyWithPairingCode answers an unknown direct sender with a pairing
// code instead of forwarding the message.
func (b *Bridge) replyWithPairingCode(msg bus.InboundMessage) {
	handle := utils.FirstNonEmpty(msg.Sender, msg.Handle)
	if handle == "" {
		b.bumpRejected()
		return
	}

	code, err := b.pairings.CreatePairingRequest(handle)
	if err != nil {
		logger.ErrorCF("bridge", "Failed to create pairing code", map[string]interface{}{
			"handle": handle,
			"error":  err.Error(),
		})
		return
	}

	if _, err := b.backend.SendMessage(addressReply(msg, pairing.BuildPairingMessage(code))); err != nil {
		logger.ErrorCF("bridge", "Failed to send pairing reply", map[string]interface{}{
			"handle": handle,
			"error":  err.Error(),
		})
		return
	}
	b.bumpPairSent()
}

// addressReply targets the reply at the originating chat for group
// messages, or at the sender's handle for direct ones.
func addressReply(msg bus.InboundMessage, text string) bus.OutboundMessage {
	out := bus.OutboundMessage{Text: text}
	if msg.IsGroup {
		out.ChatID = msg.ChatID
		out.ChatGUID = msg.ChatGUID
		out.ChatIdentifier = msg.ChatIdentifier
		return out
	}
	out.To = utils.FirstNonEmpty(msg.Sender, msg.Handle)
	return out
}

func (b *Bridge) bumpAccepted(sessionKey string) {
	b.statsMu.Lock()
	b.accepted++
	b.perChat[sessionKey]++
	b.statsMu.Unlock()
}

func (b *Bridge) bumpRejected() {
	b.statsMu.Lock()
	b.rejected++
	b.statsMu.Unlock()
}

func (b *Bridge) bumpPairSent() {
	b.statsMu.Lock()
	b.pairSent++
	b.statsMu.Unlock()
}

func (b *Bridge) bumpDropped() {
	b.statsMu.Lock()
	b.dropped++
	b.statsMu.Unlock()
}
