package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/pairing"
	"github.com/sipeed/picobridge/pkg/rpc"
)

type fakeBackend struct {
	mu      sync.Mutex
	sent    []bus.OutboundMessage
	sendErr error
	running bool
}

func (f *fakeBackend) SendMessage(msg bus.OutboundMessage) (rpc.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return rpc.SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return rpc.SendResult{MessageID: fmt.Sprintf("m%d", len(f.sent))}, nil
}

func (f *fakeBackend) ListChats(limit int) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (f *fakeBackend) IsRunning() bool { return f.running }

func (f *fakeBackend) sentMessages() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeHost struct {
	mu        sync.Mutex
	reply     string
	injectErr error
	injected  []string
	logged    []string
}

func (f *fakeHost) Inject(ctx context.Context, sessionKey, text string, meta map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return "", f.injectErr
	}
	f.injected = append(f.injected, sessionKey+"|"+text)
	return f.reply, nil
}

func (f *fakeHost) LogMessage(sessionKey, text string, meta map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged = append(f.logged, text)
}

type fakeSettings struct {
	settings config.BridgeSettings
}

func (f *fakeSettings) BridgeSettings() (config.BridgeSettings, error) {
	return f.settings, nil
}

func newTestBridge(backend *fakeBackend, hostPort *fakeHost, settings config.BridgeSettings) *Bridge {
	return New(backend, hostPort, &fakeSettings{settings: settings}, pairing.NewRegistry())
}

func openSettings() config.BridgeSettings {
	return config.BridgeSettings{
		DMPolicy:      "open",
		GroupPolicy:   "open",
		MaxChunkChars: 4000,
	}
}

func TestOnInboundEnqueuesAccepted(t *testing.T) {
	b := newTestBridge(&fakeBackend{}, &fakeHost{}, openSettings())

	b.OnInbound(bus.InboundMessage{Text: "hello", Sender: "+15551234567"})
	if b.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", b.QueueDepth())
	}
}

func TestOnInboundRejectedSilently(t *testing.T) {
	backend := &fakeBackend{}
	settings := openSettings()
	settings.DMPolicy = "closed"
	b := newTestBridge(backend, &fakeHost{}, settings)

	b.OnInbound(bus.InboundMessage{Text: "hello", Sender: "+15551234567"})
	if b.QueueDepth() != 0 {
		t.Fatalf("queue depth = %d, want 0", b.QueueDepth())
	}
	if len(backend.sentMessages()) != 0 {
		t.Fatalf("rejected sender must get no reply")
	}
}

func TestOnInboundPairingReply(t *testing.T) {
	backend := &fakeBackend{}
	settings := openSettings()
	settings.DMPolicy = "pairing"
	b := newTestBridge(backend, &fakeHost{}, settings)

	b.OnInbound(bus.InboundMessage{Text: "hello", Sender: "+15551234567"})

	if b.QueueDepth() != 0 {
		t.Fatalf("pairing message must not be forwarded")
	}
	sent := backend.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 pairing reply", len(sent))
	}
	if sent[0].To != "+15551234567" {
		t.Fatalf("reply addressed to %q", sent[0].To)
	}

	pending := b.Pairings().ListPairingRequests()
	if len(pending) != 1 {
		t.Fatalf("pending pairings = %d, want 1", len(pending))
	}
	if !strings.Contains(sent[0].Text, pending[0].Code) {
		t.Fatalf("reply %q missing code %q", sent[0].Text, pending[0].Code)
	}
}

func TestQueueFIFOAndBound(t *testing.T) {
	b := newTestBridge(&fakeBackend{}, &fakeHost{}, openSettings())

	for i := 0; i < queueLimit+10; i++ {
		b.enqueue(bus.InboundMessage{Text: fmt.Sprintf("msg-%d", i), Sender: "s"})
	}
	if b.QueueDepth() != queueLimit {
		t.Fatalf("queue depth = %d, want %d", b.QueueDepth(), queueLimit)
	}

	// Oldest ten were dropped; msg-10 drains first.
	first, ok := b.dequeue()
	if !ok {
		t.Fatalf("dequeue failed")
	}
	if first.Text != "msg-10" {
		t.Fatalf("first drained = %q, want msg-10", first.Text)
	}
	second, _ := b.dequeue()
	if second.Text != "msg-11" {
		t.Fatalf("second drained = %q, want msg-11", second.Text)
	}
}

func TestProcessForwardsAndReplies(t *testing.T) {
	backend := &fakeBackend{}
	hostPort := &fakeHost{reply: "sure thing"}
	b := newTestBridge(backend, hostPort, openSettings())

	b.process(bus.InboundMessage{Text: "do it", Sender: "+15551234567"})

	if len(hostPort.injected) != 1 {
		t.Fatalf("injected = %d, want 1", len(hostPort.injected))
	}
	if hostPort.injected[0] != "imessage:dm:+15551234567|do it" {
		t.Fatalf("injected = %q", hostPort.injected[0])
	}

	sent := backend.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if sent[0].Text != "sure thing" || sent[0].To != "+15551234567" {
		t.Fatalf("reply = %+v", sent[0])
	}
	if len(hostPort.logged) != 1 || hostPort.logged[0] != "sure thing" {
		t.Fatalf("outbound not logged with host: %v", hostPort.logged)
	}
}

func TestProcessEmptyReplySendsNothing(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBridge(backend, &fakeHost{reply: ""}, openSettings())

	b.process(bus.InboundMessage{Text: "ping", Sender: "+15551234567"})
	if len(backend.sentMessages()) != 0 {
		t.Fatalf("empty reply must send nothing")
	}
}

func TestProcessApologizesOnHostFailure(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBridge(backend, &fakeHost{injectErr: errors.New("host down")}, openSettings())

	b.process(bus.InboundMessage{Text: "do it", Sender: "+15551234567"})

	sent := backend.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 apology", len(sent))
	}
	if sent[0].Text != apologyText {
		t.Fatalf("apology = %q", sent[0].Text)
	}
}

func TestProcessChunksLongReply(t *testing.T) {
	backend := &fakeBackend{}
	hostPort := &fakeHost{reply: strings.Repeat("a", 150)}
	settings := openSettings()
	settings.MaxChunkChars = 100
	b := newTestBridge(backend, hostPort, settings)

	b.process(bus.InboundMessage{Text: "long one", Sender: "+15551234567"})

	sent := backend.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want 2 chunks", len(sent))
	}
	if len(hostPort.logged) != 2 {
		t.Fatalf("logged = %d, want 2", len(hostPort.logged))
	}
}

func TestProcessGroupRepliesToChat(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBridge(backend, &fakeHost{reply: "hi all"}, openSettings())

	b.process(bus.InboundMessage{
		Text: "hello", Sender: "+15551234567", IsGroup: true, ChatID: 42,
	})

	sent := backend.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if sent[0].To != "" {
		t.Fatalf("group reply must not address the sender: %q", sent[0].To)
	}
	if sent[0].ChatID != 42 {
		t.Fatalf("group reply chat id = %d, want 42", sent[0].ChatID)
	}
}

func TestSnapshotCounters(t *testing.T) {
	backend := &fakeBackend{running: true}
	settings := openSettings()
	settings.DMPolicy = "pairing"
	b := newTestBridge(backend, &fakeHost{reply: "ok"}, settings)

	b.OnInbound(bus.InboundMessage{Text: "hello", Sender: "+19998887777"}) // pairing reply
	b.process(bus.InboundMessage{Text: "hi", Sender: "+15551234567"})

	st := b.Snapshot()
	if !st.BackendRunning {
		t.Fatalf("backend should report running")
	}
	if st.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", st.Accepted)
	}
	if st.PairingReplies != 1 {
		t.Fatalf("pairing replies = %d, want 1", st.PairingReplies)
	}
	if st.PendingPairings != 1 {
		t.Fatalf("pending pairings = %d, want 1", st.PendingPairings)
	}
	if st.Sessions["imessage:dm:+15551234567"] != 1 {
		t.Fatalf("session counters = %v", st.Sessions)
	}
}
