package rtcore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aether-im/rtcore/bus"
	"github.com/aether-im/rtcore/call"
	"github.com/aether-im/rtcore/media"
	"github.com/aether-im/rtcore/messaging"
	"github.com/aether-im/rtcore/services"
	"github.com/aether-im/rtcore/transport"
)

// Client is the realtime communication core: one socket, one conversation,
// at most one call. It wires the event bus, transport manager, media
// engine, call controller and message pipeline together and exposes the
// surface a UI layer drives.
type Client struct {
	opts *Options

	bus       *bus.Bus
	transport *transport.Manager
	media     *media.Engine
	calls     *call.Controller
	pipeline  *messaging.Pipeline

	tokens   services.TokenProvider
	uploader services.Uploader
	store    services.MessageStore

	mu         sync.Mutex
	foreground bool
	closed     bool

	retrying  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	subs      []*bus.Subscription

	callbackMu            sync.RWMutex
	messageCallback       func(*messaging.Message)
	messageFailedCallback func(*messaging.Message)
	typingCallback        func(userID string, isTyping bool)
	incomingCallCallback  func(ev call.IncomingCall)
	callStateCallback     func(ev call.StateChange)
	connectionCallback    func(state transport.State)
}

// New creates a Client from options. The transport is not connected yet;
// call Connect or EnterForeground to bring the socket up.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if options.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = NewOptions().ReconnectDelay
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"server":   options.ServerURL,
		"user_id":  options.UserID,
	}).Info("Creating realtime client")

	b := bus.New()

	tr := transport.NewManager(options.ServerURL, b)
	if options.HandshakeTimeout > 0 {
		tr.HandshakeTimeout = options.HandshakeTimeout
	}

	engine := media.NewEngine(tr)

	calls := call.NewController(tr, engine, b, options.UserID)
	if options.RingTimeout > 0 {
		calls.RingTimeout = options.RingTimeout
	}
	calls.Attach()

	pipeline := messaging.NewPipeline(tr, b, options.UserID)
	pipeline.Attach()

	tokens := services.NewStaticTokenProvider(options.Token)

	c := &Client{
		opts:      options,
		bus:       b,
		transport: tr,
		media:     engine,
		calls:     calls,
		pipeline:  pipeline,
		tokens:    tokens,
		done:      make(chan struct{}),
	}
	if options.MediaServiceURL != "" {
		c.uploader = services.NewHTTPUploader(options.MediaServiceURL, tokens)
	}
	if options.HistoryServiceURL != "" {
		c.store = services.NewHTTPMessageStore(options.HistoryServiceURL, tokens)
	}

	c.subscribe()
	return c, nil
}

// subscribe fans bus events out to the registered callbacks and hooks the
// reconnect policy onto connection-state changes.
func (c *Client) subscribe() {
	c.subs = append(c.subs,
		c.bus.Subscribe(bus.KindConnectionState, func(ev bus.Event) {
			state, ok := ev.Payload.(transport.State)
			if !ok {
				return
			}
			if fn := c.connectionCB(); fn != nil {
				fn(state)
			}
			if state == transport.StateDisconnected {
				c.scheduleReconnect()
			}
		}),
		c.bus.Subscribe(bus.KindMessage, func(ev bus.Event) {
			if msg, ok := ev.Payload.(*messaging.Message); ok {
				if fn := c.messageCB(); fn != nil {
					fn(msg)
				}
			}
		}),
		c.bus.Subscribe(bus.KindMessageFailed, func(ev bus.Event) {
			if msg, ok := ev.Payload.(*messaging.Message); ok {
				if fn := c.messageFailedCB(); fn != nil {
					fn(msg)
				}
			}
		}),
		c.bus.Subscribe(bus.KindTyping, func(ev bus.Event) {
			if t, ok := ev.Payload.(messaging.TypingEvent); ok {
				if fn := c.typingCB(); fn != nil {
					fn(t.UserID, t.IsTyping)
				}
			}
		}),
		c.bus.Subscribe(bus.KindIncomingCall, func(ev bus.Event) {
			if ic, ok := ev.Payload.(call.IncomingCall); ok {
				if fn := c.incomingCallCB(); fn != nil {
					fn(ic)
				}
			}
		}),
		c.bus.Subscribe(bus.KindCallState, func(ev bus.Event) {
			if sc, ok := ev.Payload.(call.StateChange); ok {
				if fn := c.callStateCB(); fn != nil {
					fn(sc)
				}
			}
		}),
	)
}

// OnMessage sets the callback for inbound and reconciled messages.
func (c *Client) OnMessage(fn func(msg *messaging.Message)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.messageCallback = fn
}

// OnMessageFailed sets the callback for sends refused by the transport.
func (c *Client) OnMessageFailed(fn func(msg *messaging.Message)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.messageFailedCallback = fn
}

// OnTyping sets the callback for peer typing-state changes.
func (c *Client) OnTyping(fn func(userID string, isTyping bool)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.typingCallback = fn
}

// OnIncomingCall sets the callback for incoming call announcements.
func (c *Client) OnIncomingCall(fn func(ev call.IncomingCall)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.incomingCallCallback = fn
}

// OnCallStateChange sets the callback for call session state changes.
func (c *Client) OnCallStateChange(fn func(ev call.StateChange)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.callStateCallback = fn
}

// OnConnectionState sets the callback for transport state changes.
func (c *Client) OnConnectionState(fn func(state transport.State)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.connectionCallback = fn
}

func (c *Client) messageCB() func(*messaging.Message) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.messageCallback
}

func (c *Client) messageFailedCB() func(*messaging.Message) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.messageFailedCallback
}

func (c *Client) typingCB() func(string, bool) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.typingCallback
}

func (c *Client) incomingCallCB() func(call.IncomingCall) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.incomingCallCallback
}

func (c *Client) callStateCB() func(call.StateChange) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.callStateCallback
}

func (c *Client) connectionCB() func(transport.State) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.connectionCallback
}

// Connect performs one authenticated connect attempt.
func (c *Client) Connect(ctx context.Context) error {
	token, ok := c.tokens.CurrentToken()
	if !ok {
		return services.ErrTokenExpired
	}
	return c.transport.Connect(ctx, token, c.opts.UserID)
}

// Disconnect closes the socket without tearing the client down.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

// ConnectionState returns the current transport state.
func (c *Client) ConnectionState() transport.State {
	return c.transport.State()
}

// EnterForeground marks the process foregrounded and brings the socket up.
func (c *Client) EnterForeground() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.foreground = true
	c.mu.Unlock()

	go func() {
		if err := c.connectOnce(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EnterForeground",
				"error":    err.Error(),
			}).Warn("Foreground connect failed")
			c.scheduleReconnect()
		}
	}()
}

// EnterBackground marks the process backgrounded, sends the
// conversation-leave courtesy notification and stops retrying. The socket
// itself is left to the platform; the server notices via ping timeout.
func (c *Client) EnterBackground() {
	c.mu.Lock()
	c.foreground = false
	c.mu.Unlock()

	peer := c.pipeline.Peer()
	if peer != "" && c.transport.Connected() {
		c.transport.Emit(transport.OpLeaveConversation, transport.LeaveConversationPayload{PeerID: peer})
	}
}

// SetConversation switches the active conversation peer. Message history,
// typing state and online bookkeeping reset.
func (c *Client) SetConversation(peerID string) {
	c.pipeline.SetPeer(peerID)
}

// Conversation returns the active conversation peer id.
func (c *Client) Conversation() string {
	return c.pipeline.Peer()
}

// connectOnce performs one connect attempt with the configured handshake
// timeout plus dial headroom.
func (c *Client) connectOnce() error {
	token, ok := c.tokens.CurrentToken()
	if !ok {
		return services.ErrTokenExpired
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return c.transport.Connect(ctx, token, c.opts.UserID)
}

// shouldRetry reports whether the reconnect policy applies: process
// foregrounded, user known and a conversation peer selected.
func (c *Client) shouldRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground && !c.closed && c.pipeline.Peer() != ""
}

// scheduleReconnect starts the fixed-delay retry loop if it is not
// already running.
func (c *Client) scheduleReconnect() {
	if !c.shouldRetry() {
		return
	}
	if !c.retrying.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.retrying.Store(false)
		for {
			select {
			case <-c.done:
				return
			case <-time.After(c.opts.ReconnectDelay):
			}
			if !c.shouldRetry() {
				return
			}
			if c.transport.Connected() {
				return
			}
			err := c.connectOnce()
			if err == nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "scheduleReconnect",
				"error":    err.Error(),
			}).Warn("Reconnect attempt failed")
		}
	}()
}

// SendText sends a text message to the active conversation peer.
func (c *Client) SendText(text string) (*messaging.Message, error) {
	return c.pipeline.Send(messaging.KindText, text)
}

// SendImage uploads the image at localPath and sends its URL as an image
// message.
func (c *Client) SendImage(ctx context.Context, localPath string) (*messaging.Message, error) {
	return c.sendMedia(ctx, localPath, messaging.KindImage)
}

// SendAudio uploads the recording at localPath and sends its URL as an
// audio message.
func (c *Client) SendAudio(ctx context.Context, localPath string) (*messaging.Message, error) {
	return c.sendMedia(ctx, localPath, messaging.KindAudio)
}

func (c *Client) sendMedia(ctx context.Context, localPath string, kind messaging.Kind) (*messaging.Message, error) {
	if c.uploader == nil {
		return nil, errors.New("no media service configured")
	}
	// Refuse before uploading; an upload with nowhere to send wastes the
	// round trip.
	if !c.transport.Connected() {
		return nil, messaging.ErrNotConnected
	}
	url, err := c.uploader.Upload(ctx, localPath, kind.String())
	if err != nil {
		return nil, err
	}
	return c.pipeline.Send(kind, url)
}

// OnTextChanged drives the typing indicator from input field changes.
func (c *Client) OnTextChanged(text string) {
	c.pipeline.OnTextChanged(text)
}

// Messages returns a snapshot of the active conversation.
func (c *Client) Messages() []*messaging.Message {
	return c.pipeline.Messages()
}

// PeerTyping reports whether the conversation peer is currently typing.
func (c *Client) PeerTyping() bool {
	return c.pipeline.PeerTyping()
}

// RecipientOnline reports the peer's last known online state.
func (c *Client) RecipientOnline() bool {
	return c.pipeline.RecipientOnline()
}

// StartCall initiates a call to recipientID.
func (c *Client) StartCall(recipientID string, video bool) (*call.Session, error) {
	callType := call.TypeAudio
	if video {
		callType = call.TypeVideo
	}
	return c.calls.Initiate(recipientID, callType)
}

// AcceptCall answers the ringing incoming call.
func (c *Client) AcceptCall() error {
	return c.calls.Accept()
}

// RejectCall declines the ringing incoming call.
func (c *Client) RejectCall(reason string) error {
	return c.calls.Reject(reason)
}

// EndCall hangs up the current call.
func (c *Client) EndCall() error {
	return c.calls.End()
}

// CallState returns the current call session state, or StateIdle when no
// session exists.
func (c *Client) CallState() call.State {
	return c.calls.CurrentState()
}

// ToggleMute flips the local audio mute state during a call.
func (c *Client) ToggleMute() bool {
	return c.media.ToggleMute()
}

// ToggleVideo flips the local camera-off state during a call.
func (c *Client) ToggleVideo() bool {
	return c.media.ToggleVideo()
}

// SwitchCamera moves capture to the next available camera during a call.
func (c *Client) SwitchCamera() bool {
	return c.media.SwitchCamera()
}

// OnAudioPCM registers the playout callback for decoded remote call audio.
func (c *Client) OnAudioPCM(fn func(callID string, pcm []int16, channels, sampleRate int)) {
	c.media.OnAudioPCM(fn)
}

// History fetches the persisted conversation with the active peer.
func (c *Client) History(ctx context.Context) ([]services.StoredMessage, error) {
	if c.store == nil {
		return nil, errors.New("no history service configured")
	}
	peer := c.pipeline.Peer()
	if peer == "" {
		return nil, messaging.ErrNoConversation
	}
	return c.store.Fetch(ctx, c.opts.UserID, peer)
}

// DeleteMessage removes one persisted message by id.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if c.store == nil {
		return errors.New("no history service configured")
	}
	return c.store.Delete(ctx, messageID)
}

// Close tears the client down: handlers unregistered, any live call ended,
// media released, socket closed. The client cannot be reused afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.foreground = false
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })

	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.calls.Close()
	c.pipeline.Close()
	c.media.End()
	c.transport.Disconnect()
	c.transport.UnsubscribeAll()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"user_id":  c.opts.UserID,
	}).Info("Realtime client closed")
}
