package messaging

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-im/rtcore/bus"
	"github.com/aether-im/rtcore/transport"
)

// fakeTransport implements Transport for pipeline tests. It records emits
// and lets tests push inbound events through registered handlers.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	refuseEmit bool
	emitted    []emitRecord
	handlers   map[string][]transport.Handler
}

type emitRecord struct {
	op      string
	payload any
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{
		connected: connected,
		handlers:  make(map[string][]transport.Handler),
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Emit(op string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.refuseEmit {
		return false
	}
	f.emitted = append(f.emitted, emitRecord{op: op, payload: payload})
	return true
}

func (f *fakeTransport) Handle(op string, fn transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = append(f.handlers[op], fn)
	return func() {}
}

func (f *fakeTransport) push(t *testing.T, op string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[op]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
}

func (f *fakeTransport) emits(op string) []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitRecord
	for _, e := range f.emitted {
		if e.op == op {
			out = append(out, e)
		}
	}
	return out
}

func newTestPipeline(t *testing.T, tr *fakeTransport) (*Pipeline, *bus.Bus) {
	t.Helper()
	b := bus.New()
	p := NewPipeline(tr, b, "alice")
	p.Attach()
	p.SetPeer("bob")
	t.Cleanup(p.Close)
	return p, b
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := newFakeTransport(false)
	p, _ := newTestPipeline(t, tr)

	msg, err := p.Send(KindText, "hi")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, msg)
	assert.Empty(t, p.Messages(), "no optimistic entry may exist for a rejected send")
}

func TestSendEmptyText(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	_, err := p.Send(KindText, "   ")
	require.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, p.Messages())
}

func TestSendWithoutPeer(t *testing.T) {
	tr := newFakeTransport(true)
	p := NewPipeline(tr, bus.New(), "alice")

	_, err := p.Send(KindText, "hi")
	require.ErrorIs(t, err, ErrNoConversation)
}

func TestSendOptimisticThenSent(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	msg, err := p.Send(KindText, "hello")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, StateSent, msg.State)
	assert.NotEmpty(t, msg.LocalID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "bob", msg.RecipientID)

	require.Len(t, p.Messages(), 1)

	sends := tr.emits(transport.OpSendMessage)
	require.Len(t, sends, 1)
	payload := sends[0].payload.(transport.SendMessagePayload)
	assert.Equal(t, "bob", payload.RecipientID)
	assert.Equal(t, "hello", payload.Content)
	assert.Equal(t, "text", payload.Type)
}

func TestSendEmitRefusedMarksFailed(t *testing.T) {
	tr := newFakeTransport(true)
	tr.refuseEmit = true
	b := bus.New()
	p := NewPipeline(tr, b, "alice")
	p.Attach()
	p.SetPeer("bob")
	defer p.Close()

	var failed []*Message
	sub := b.Subscribe(bus.KindMessageFailed, func(ev bus.Event) {
		failed = append(failed, ev.Payload.(*Message))
	})
	defer sub.Cancel()

	msg, err := p.Send(KindImage, "https://cdn.example/img.png")
	require.ErrorIs(t, err, ErrNotConnected)
	require.NotNil(t, msg)
	assert.Equal(t, StateFailed, msg.State, "refused emit must surface as Failed, not vanish")

	require.Len(t, p.Messages(), 1, "failed message stays in the sequence")
	require.Len(t, failed, 1)
	assert.Same(t, msg, failed[0])
}

func TestEchoSuppression(t *testing.T) {
	tr := newFakeTransport(true)
	p, b := newTestPipeline(t, tr)

	published := 0
	sub := b.Subscribe(bus.KindMessage, func(bus.Event) { published++ })
	defer sub.Cancel()

	// Own traffic reflected for a different conversation: pure echo.
	tr.push(t, transport.OpReceiveMessage, transport.ReceiveMessagePayload{
		SenderID:    "alice",
		RecipientID: "carol",
		Content:     "for carol",
		Type:        "text",
	})

	assert.Empty(t, p.Messages(), "cross-device echo must produce zero local messages")
	assert.Zero(t, published)
}

func TestEchoReconciliation(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	msg, err := p.Send(KindText, "hello")
	require.NoError(t, err)

	// Server broadcasts the same content back for multi-device consistency.
	tr.push(t, transport.OpReceiveMessage, transport.ReceiveMessagePayload{
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "hello",
		Type:        "text",
	})

	history := p.Messages()
	require.Len(t, history, 1, "echo must reconcile, not duplicate")
	assert.Equal(t, StateEchoed, msg.State)
}

func TestOwnMessageFromOtherDevice(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	// Same account on another device sent into the current conversation;
	// no optimistic entry exists locally, so it is appended once.
	tr.push(t, transport.OpReceiveMessage, transport.ReceiveMessagePayload{
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "from my phone",
		Type:        "text",
	})

	history := p.Messages()
	require.Len(t, history, 1)
	assert.Equal(t, StateEchoed, history[0].State)
}

func TestInboundPeerMessage(t *testing.T) {
	tr := newFakeTransport(true)
	p, b := newTestPipeline(t, tr)

	var got []*Message
	sub := b.Subscribe(bus.KindMessage, func(ev bus.Event) {
		got = append(got, ev.Payload.(*Message))
	})
	defer sub.Cancel()

	tr.push(t, transport.OpReceiveMessage, transport.ReceiveMessagePayload{
		SenderID:    "bob",
		RecipientID: "alice",
		Content:     "hey",
		Type:        "text",
		Timestamp:   time.Now().UnixMilli(),
	})

	require.Len(t, p.Messages(), 1)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].SenderID)
	assert.Equal(t, "hey", got[0].PayloadRef)
}

func TestMessageSentBookkeeping(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	require.False(t, p.RecipientOnline())
	tr.push(t, transport.OpMessageSent, transport.MessageSentPayload{RecipientOnline: true})
	assert.True(t, p.RecipientOnline())

	// The confirmation never mutates message content or state.
	msg, err := p.Send(KindText, "x")
	require.NoError(t, err)
	tr.push(t, transport.OpMessageSent, transport.MessageSentPayload{RecipientOnline: false})
	assert.Equal(t, StateSent, msg.State)
	assert.False(t, p.RecipientOnline())
}

func TestTypingDebounce(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)
	p.TypingStopDelay = 40 * time.Millisecond

	p.OnTextChanged("h")
	p.OnTextChanged("he")
	p.OnTextChanged("hel")

	starts := tr.emits(transport.OpTypingStart)
	require.Len(t, starts, 1, "repeated keystrokes must not re-emit typing_start")
	assert.Empty(t, tr.emits(transport.OpTypingStop))

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, tr.emits(transport.OpTypingStop), 1, "typing_stop auto-emits after the debounce delay")

	// A fresh burst starts a new indicator.
	p.OnTextChanged("again")
	assert.Len(t, tr.emits(transport.OpTypingStart), 2)
}

func TestTypingStopOnEmptyContent(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)
	p.TypingStopDelay = time.Hour // only the explicit clear may emit stop

	p.OnTextChanged("h")
	p.OnTextChanged("")

	assert.Len(t, tr.emits(transport.OpTypingStop), 1, "clearing the composer emits stop immediately")
}

func TestPeerTypingAutoExpiry(t *testing.T) {
	tr := newFakeTransport(true)
	p, b := newTestPipeline(t, tr)
	p.TypingExpiry = 40 * time.Millisecond

	var mu sync.Mutex
	var events []TypingEvent
	sub := b.Subscribe(bus.KindTyping, func(ev bus.Event) {
		mu.Lock()
		events = append(events, ev.Payload.(TypingEvent))
		mu.Unlock()
	})
	defer sub.Cancel()

	tr.push(t, transport.OpUserTyping, transport.UserTypingPayload{UserID: "bob", IsTyping: true})
	require.True(t, p.PeerTyping())

	// No refresh arrives: the flag flips off on its own.
	time.Sleep(85 * time.Millisecond)
	assert.False(t, p.PeerTyping(), "typing flag must self-expire without an explicit stop")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.True(t, events[0].IsTyping)
	assert.False(t, events[1].IsTyping)
}

func TestPeerTypingRefreshExtendsExpiry(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)
	p.TypingExpiry = 60 * time.Millisecond

	tr.push(t, transport.OpUserTyping, transport.UserTypingPayload{UserID: "bob", IsTyping: true})
	time.Sleep(35 * time.Millisecond)
	tr.push(t, transport.OpUserTyping, transport.UserTypingPayload{UserID: "bob", IsTyping: true})
	time.Sleep(35 * time.Millisecond)

	assert.True(t, p.PeerTyping(), "refreshing typing_start must extend the expiry window")
}

func TestTypingFromOtherUserIgnored(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	tr.push(t, transport.OpUserTyping, transport.UserTypingPayload{UserID: "carol", IsTyping: true})
	assert.False(t, p.PeerTyping())
}

func TestPresenceJoinAndLeave(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	require.False(t, p.RecipientOnline())

	tr.push(t, transport.OpUserJoinedConversation, transport.UserJoinedConversationPayload{
		ConnectedUsers: []string{"alice", "bob"},
	})
	assert.True(t, p.RecipientOnline())

	tr.push(t, transport.OpUserLeftConversation, transport.UserLeftConversationPayload{UserID: "carol"})
	assert.True(t, p.RecipientOnline(), "unrelated user leaving must not affect the peer flag")

	tr.push(t, transport.OpUserLeftConversation, transport.UserLeftConversationPayload{UserID: "bob"})
	assert.False(t, p.RecipientOnline())
}

func TestSetPeerResetsConversationState(t *testing.T) {
	tr := newFakeTransport(true)
	p, _ := newTestPipeline(t, tr)

	_, err := p.Send(KindText, "hello bob")
	require.NoError(t, err)
	tr.push(t, transport.OpUserTyping, transport.UserTypingPayload{UserID: "bob", IsTyping: true})

	p.SetPeer("carol")

	assert.Empty(t, p.Messages())
	assert.False(t, p.PeerTyping())
	assert.Equal(t, "carol", p.Peer())
}
