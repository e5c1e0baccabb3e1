package matchkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("matchkit: session closed")

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig tunes a conversation session. Zero values take defaults.
type SessionConfig struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration

	PollFastInterval time.Duration
	PollStepInterval time.Duration
	PollMaxInterval  time.Duration
	PollQuietAfter   time.Duration

	HeartbeatInterval time.Duration
	SendQueueCapacity int

	Logger *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PollFastInterval == 0 {
		c.PollFastInterval = 5 * time.Second
	}
	if c.PollStepInterval == 0 {
		c.PollStepInterval = 2 * time.Second
	}
	if c.PollMaxInterval == 0 {
		c.PollMaxInterval = 15 * time.Second
	}
	if c.PollQuietAfter == 0 {
		c.PollQuietAfter = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SendQueueCapacity == 0 {
		c.SendQueueCapacity = 100
	}
}

// ============================================================================
// Session events
// ============================================================================

// Everything that can mutate session state arrives as one of these and is
// applied by the run loop, one at a time, in arrival order. Push reader,
// poll cycles, REST acknowledgments and local sends never touch state
// directly.
type sessionEvent interface{ isSessionEvent() }

type evChannelOpen struct{ ch *pushChannel }
type evChannelClosed struct{ err error }
type evReconnectDue struct{}
type evFrame struct{ frame Frame }
type evPoll struct{ res PollResult }
type evSend struct {
	kind     MessageKind
	content  string
	mediaRef string
	reply    chan Message
}
type evResend struct {
	id    string
	reply chan error
}
type evAck struct {
	pendingID string
	ack       SendAck
}
type evSendFailed struct {
	id  string
	err error
}

func (evChannelOpen) isSessionEvent()   {}
func (evChannelClosed) isSessionEvent() {}
func (evReconnectDue) isSessionEvent()  {}
func (evFrame) isSessionEvent()         {}
func (evPoll) isSessionEvent()          {}
func (evSend) isSessionEvent()          {}
func (evResend) isSessionEvent()        {}
func (evAck) isSessionEvent()           {}
func (evSendFailed) isSessionEvent()    {}

// ============================================================================
// Session
// ============================================================================

// Session owns the live state of one open match conversation: the message
// store, the peer's presence, and the transport lifecycle. Create one when
// the conversation view opens and Close it when the view goes away; a
// closed session releases every timer, goroutine and connection it started.
type Session struct {
	client  *Client
	matchID string
	selfID  string
	cfg     SessionConfig
	log     *slog.Logger

	store *MessageStore
	rec   *Reconciler
	queue *sendQueue
	poll  *pollFallback
	recon *reconnector

	ctx    context.Context
	cancel context.CancelFunc
	events chan sessionEvent
	done   chan struct{}

	// Owned by the run loop.
	chState        channelState
	push           *pushChannel
	pollCancel     context.CancelFunc
	reconnectTimer *time.Timer

	mu          sync.Mutex
	peer        Peer
	transport   TransportState
	onMessages  []func()
	onPeer      []func(Peer)
	onTransport []func(TransportState)
}

// OpenSession opens a session for one match on behalf of selfID. The push
// channel is dialed immediately; polling covers the conversation until
// (and whenever) the push channel is open. cfg may be nil for defaults.
func (c *Client) OpenSession(ctx context.Context, matchID, selfID string, cfg *SessionConfig) (*Session, error) {
	if matchID == "" || selfID == "" {
		return nil, fmt.Errorf("matchkit: matchID and selfID are required")
	}

	var conf SessionConfig
	if cfg != nil {
		conf = *cfg
	}
	conf.defaults()

	log := conf.Logger
	if log == nil {
		log = c.log
	}
	log = log.With("matchId", matchID)

	sctx, cancel := context.WithCancel(ctx)
	store := NewMessageStore()

	s := &Session{
		client:    c,
		matchID:   matchID,
		selfID:    selfID,
		cfg:       conf,
		log:       log,
		store:     store,
		rec:       NewReconciler(store, selfID),
		queue:     newSendQueue(conf.SendQueueCapacity),
		recon:     newReconnector(conf.ReconnectBaseDelay, conf.ReconnectMaxDelay, conf.MaxReconnectAttempts),
		ctx:       sctx,
		cancel:    cancel,
		events:    make(chan sessionEvent, 64),
		done:      make(chan struct{}),
		chState:   channelIdle,
		transport: TransportPollActive,
	}
	s.poll = newPollFallback(
		func(pctx context.Context, since time.Time) (*PollResult, error) {
			return c.Messages.Pull(pctx, matchID, since)
		},
		conf.PollFastInterval, conf.PollStepInterval, conf.PollMaxInterval, conf.PollQuietAfter,
		log,
	)

	go s.run()
	go s.heartbeatLoop()
	return s, nil
}

// Close tears the session down: timers, poll loop, heartbeat and the push
// connection all stop, and no further event mutates the session.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// ============================================================================
// Public operations
// ============================================================================

// SendText sends a text message. The returned Message is the optimistic
// entry (temporary id, status sending); watch OnMessagesChanged for its
// reconciliation with the server copy.
func (s *Session) SendText(content string) (Message, error) {
	return s.send(KindText, content, "")
}

// SendImage sends an already-uploaded image by its media reference.
func (s *Session) SendImage(mediaRef string) (Message, error) {
	return s.send(KindImage, "", mediaRef)
}

// SendGift sends a gift message by its catalog media reference.
func (s *Session) SendGift(giftRef string) (Message, error) {
	return s.send(KindGift, "", giftRef)
}

// SendVoice sends an already-uploaded voice clip by its media reference.
func (s *Session) SendVoice(mediaRef string) (Message, error) {
	return s.send(KindVoice, "", mediaRef)
}

func (s *Session) send(kind MessageKind, content, mediaRef string) (Message, error) {
	reply := make(chan Message, 1)
	if !s.post(evSend{kind: kind, content: content, mediaRef: mediaRef, reply: reply}) {
		return Message{}, ErrSessionClosed
	}
	select {
	case msg := <-reply:
		return msg, nil
	case <-s.ctx.Done():
		return Message{}, ErrSessionClosed
	}
}

// Resend retries a failed message: it re-enters sending and is delivered
// again over the current transport.
func (s *Session) Resend(id string) error {
	reply := make(chan error, 1)
	if !s.post(evResend{id: id, reply: reply}) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Messages returns the conversation in arrival order.
func (s *Session) Messages() []Message {
	return s.store.All()
}

// Peer returns the peer's last known presence state.
func (s *Session) Peer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// TransportState returns the current delivery path.
func (s *Session) TransportState() TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// PendingSends returns the number of buffered wire frames.
func (s *Session) PendingSends() int {
	return s.queue.len()
}

// OnMessagesChanged registers an observer invoked from the session loop
// whenever the message collection changes.
func (s *Session) OnMessagesChanged(fn func()) {
	s.mu.Lock()
	s.onMessages = append(s.onMessages, fn)
	s.mu.Unlock()
}

// OnPeerChanged registers an observer for presence and typing updates.
func (s *Session) OnPeerChanged(fn func(Peer)) {
	s.mu.Lock()
	s.onPeer = append(s.onPeer, fn)
	s.mu.Unlock()
}

// OnTransportChanged registers an observer for transport transitions.
func (s *Session) OnTransportChanged(fn func(TransportState)) {
	s.mu.Lock()
	s.onTransport = append(s.onTransport, fn)
	s.mu.Unlock()
}

// ============================================================================
// Run loop
// ============================================================================

func (s *Session) post(ev sessionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)

	s.startPoll()
	s.connect()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) shutdown() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopPoll()
	if s.push != nil {
		s.push.close()
		s.push = nil
	}
}

func (s *Session) handle(ev sessionEvent) {
	switch ev := ev.(type) {
	case evChannelOpen:
		s.handleChannelOpen(ev.ch)
	case evChannelClosed:
		s.handleChannelClosed(ev.err)
	case evReconnectDue:
		s.connect()
	case evFrame:
		s.handleFrame(ev.frame)
	case evPoll:
		s.handlePoll(ev.res)
	case evSend:
		msg := s.rec.ApplyLocal(s.matchID, ev.kind, ev.content, ev.mediaRef)
		ev.reply <- msg
		s.notifyMessages()
		s.deliver(msg)
	case evResend:
		msg, ok := s.rec.Resend(ev.id)
		if !ok {
			ev.reply <- fmt.Errorf("matchkit: message %q is not failed", ev.id)
			return
		}
		ev.reply <- nil
		s.notifyMessages()
		s.deliver(msg)
	case evAck:
		s.queue.remove(ev.pendingID)
		s.rec.ApplyAck(ev.pendingID, ev.ack.ID, ev.ack.CreatedAt)
		s.notifyMessages()
	case evSendFailed:
		s.log.Debug("send failed", "id", ev.id, "err", ev.err)
		s.queue.remove(ev.id)
		s.rec.ApplyFailed(ev.id)
		s.notifyMessages()
	}
}

// ============================================================================
// Transport supervision
// ============================================================================

// connect dials the push channel off-loop and reports the outcome as an
// event. Handshake failures, auth rejections included, surface as a normal
// close so the ordinary backoff applies.
func (s *Session) connect() {
	s.chState = channelConnecting
	go func() {
		token, err := s.client.bearer(s.ctx)
		if err == nil {
			var ch *pushChannel
			ch, err = dialPush(s.ctx, s.client.wsURL(), token, s.cfg.HandshakeTimeout, s.log)
			if err == nil {
				s.post(evChannelOpen{ch: ch})
				return
			}
		}
		s.post(evChannelClosed{err: err})
	}()
}

func (s *Session) handleChannelOpen(ch *pushChannel) {
	if s.ctx.Err() != nil {
		ch.close()
		return
	}

	s.push = ch
	s.chState = channelOpen
	s.recon.reset()
	s.stopPoll()
	s.log.Debug("push channel open")

	// Flush buffered frames in FIFO order. A write error here surfaces
	// through the read loop's close.
	frames := s.queue.drain()
	go func() {
		for _, f := range frames {
			if err := ch.send(s.ctx, f); err != nil {
				return
			}
		}
	}()

	go ch.readLoop(s.ctx,
		func(f Frame) { s.post(evFrame{frame: f}) },
		func(err error) { s.post(evChannelClosed{err: err}) },
	)

	s.setTransport(TransportPushActive)
}

func (s *Session) handleChannelClosed(err error) {
	s.push = nil
	s.chState = channelClosed
	s.startPoll()

	if s.recon.exhausted() {
		s.chState = channelGivenUp
		s.log.Info("push transport unavailable, polling for remainder of session", "err", err)
		s.setTransport(TransportPollActive)
		return
	}

	delay := s.recon.nextDelay()
	s.chState = channelReconnecting
	s.log.Debug("push channel closed, reconnecting", "err", err, "delay", delay, "attempt", s.recon.attempt)
	s.setTransport(TransportReconnecting)
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.post(evReconnectDue{})
	})
}

func (s *Session) startPoll() {
	if s.pollCancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(s.ctx)
	s.pollCancel = cancel
	go s.poll.run(pctx, func(res PollResult) {
		s.post(evPoll{res: res})
	})
}

func (s *Session) stopPoll() {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
}

// ============================================================================
// Inbound handling
// ============================================================================

func (s *Session) handleFrame(frame Frame) {
	switch f := frame.(type) {
	case MessageFrame:
		msg := Message{
			ID:        f.ID,
			MatchID:   s.matchID,
			SenderID:  f.SenderID,
			Kind:      f.Kind,
			Content:   f.Content,
			MediaURL:  f.MediaURL,
			CreatedAt: f.CreatedAt,
		}
		newPeerMsg := s.rec.ApplyRemote(msg)
		s.poll.NoteInbound(time.Now())
		if newPeerMsg {
			// The conversation is open, so the message counts as seen.
			s.sendReadReceipt([]string{f.ID})
		}
		s.notifyMessages()

	case TypingFrame:
		if f.SenderID == s.selfID {
			return
		}
		s.updatePeer(func(p *Peer) { p.Typing = f.Typing })

	case OnlineStatusFrame:
		if f.UserID == s.selfID {
			return
		}
		s.updatePeer(func(p *Peer) {
			p.Online = f.Online
			if !f.LastSeen.IsZero() {
				p.LastSeen = f.LastSeen
			}
		})

	case ReadFrame:
		if s.rec.ApplyRead(f.IDs) {
			s.notifyMessages()
		}

	case AuthSuccessFrame:
		// Consumed during the handshake; a duplicate is harmless.
	}
}

func (s *Session) handlePoll(res PollResult) {
	var newPeerIDs []string
	for _, msg := range res.Messages {
		msg.MatchID = s.matchID
		if s.rec.ApplyRemote(msg) {
			newPeerIDs = append(newPeerIDs, msg.ID)
		}
	}
	if len(res.Messages) > 0 {
		s.notifyMessages()
	}
	if len(newPeerIDs) > 0 {
		s.sendReadReceipt(newPeerIDs)
	}
	// An empty list here means "nothing newly read", unlike the bulk
	// semantics of an id-less read frame.
	if len(res.ReadByPeerIDs) > 0 && s.rec.ApplyRead(res.ReadByPeerIDs) {
		s.notifyMessages()
	}

	s.updatePeer(func(p *Peer) {
		p.Online = res.PeerOnline
		if !res.PeerLastSeen.IsZero() {
			p.LastSeen = res.PeerLastSeen
		}
	})
}

// sendReadReceipt acknowledges newly delivered peer messages: over push
// with an explicit id list when the channel is open, else via the REST
// endpoint. Fire-and-forget either way; the next poll cycle retries
// implicitly by seeing the same unread messages.
func (s *Session) sendReadReceipt(ids []string) {
	if s.chState == channelOpen && s.push != nil {
		ch := s.push
		go func() {
			if err := ch.send(s.ctx, encodeReadFrame(ids)); err != nil {
				s.log.Debug("read receipt over push failed", "err", err)
			}
		}()
		return
	}
	go func() {
		if err := s.client.Matches.MarkRead(s.ctx, s.matchID); err != nil {
			s.log.Debug("read receipt over rest failed", "err", err)
		}
	}()
}

// ============================================================================
// Outbound delivery
// ============================================================================

// deliver pushes a locally created message toward the server. With an open
// channel the frame goes straight out and the echo settles the status.
// Otherwise the frame is buffered for a future flush and the REST send path
// takes over; its acknowledgment withdraws the buffered frame so the flush
// cannot redeliver an acknowledged message.
func (s *Session) deliver(msg Message) {
	frame := encodeMessageFrame(msg)

	if s.chState == channelOpen && s.push != nil {
		ch := s.push
		id := msg.ID
		go func() {
			if err := ch.send(s.ctx, frame); err != nil {
				s.post(evSendFailed{id: id, err: err})
			}
		}()
		return
	}

	if s.queue.push(msg.ID, frame) {
		s.log.Debug("send queue full, oldest frame evicted")
	}
	go func() {
		ack, err := s.client.Messages.Send(s.ctx, s.matchID, msg.Kind, msg.Content, msg.MediaURL)
		if err != nil {
			s.post(evSendFailed{id: msg.ID, err: err})
			return
		}
		s.post(evAck{pendingID: msg.ID, ack: *ack})
	}()
}

// ============================================================================
// Heartbeat
// ============================================================================

// heartbeatLoop keeps the user's liveness key alive server-side. It runs on
// its own cadence regardless of transport state, and failures are swallowed:
// presence must never block message flow.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.Presence.Heartbeat(s.ctx); err != nil {
				s.log.Debug("heartbeat failed", "err", err)
			}
		}
	}
}

// ============================================================================
// Observers
// ============================================================================

func (s *Session) notifyMessages() {
	s.mu.Lock()
	handlers := append([]func(){}, s.onMessages...)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (s *Session) updatePeer(mutate func(*Peer)) {
	s.mu.Lock()
	mutate(&s.peer)
	peer := s.peer
	handlers := append([]func(Peer){}, s.onPeer...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(peer)
	}
}

func (s *Session) setTransport(state TransportState) {
	s.mu.Lock()
	changed := s.transport != state
	s.transport = state
	handlers := append([]func(TransportState){}, s.onTransport...)
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, h := range handlers {
		h(state)
	}
}
