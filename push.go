package matchkit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks reconnect attempts and computes exponential backoff
// delays. A bounded random jitter is added to each delay so a fleet of
// clients does not reconnect in lockstep after a shared outage.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(base, max time.Duration, maxAttempts int) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max, maxAttempts: maxAttempts}
}

// exhausted reports whether the retry budget is spent.
func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// nextDelay returns min(base * 2^attempt + jitter, cap) and consumes one
// attempt. Jitter is at most half the base delay.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// reset restores the full retry budget after a successful open.
func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Channel state
// ============================================================================

// channelState is the push connection lifecycle. Only channelOpen allows
// traffic flushing; channelGivenUp pins the session to polling for the rest
// of its life.
type channelState int

const (
	channelIdle channelState = iota
	channelConnecting
	channelOpen
	channelClosed
	channelReconnecting
	channelGivenUp
)

func (s channelState) String() string {
	switch s {
	case channelIdle:
		return "idle"
	case channelConnecting:
		return "connecting"
	case channelOpen:
		return "open"
	case channelClosed:
		return "closed"
	case channelReconnecting:
		return "reconnecting"
	case channelGivenUp:
		return "given_up"
	}
	return "unknown"
}

// ============================================================================
// Push channel
// ============================================================================

// pushChannel wraps one authenticated websocket connection. A new value is
// created per dial; it is dead once the read loop returns.
type pushChannel struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// dialPush opens the socket and completes the auth handshake: the auth
// frame is the first application message after open, and the channel counts
// as usable only once the server answers auth_success. The token travels in
// the frame body, never in the URI.
func dialPush(ctx context.Context, wsURL, token string, handshakeTimeout time.Duration, log *slog.Logger) (*pushChannel, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("push dial: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := conn.Write(hctx, websocket.MessageText, encodeAuthFrame(token)); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("push auth write: %w", err)
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("push auth read: %w", err)
	}

	frame, err := decodeFrame(data)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("push auth: %w", err)
	}
	if _, ok := frame.(AuthSuccessFrame); !ok {
		conn.Close(websocket.StatusPolicyViolation, "auth rejected")
		return nil, fmt.Errorf("push auth: expected auth_success, got %q", frame.frameType())
	}

	return &pushChannel{conn: conn, log: log}, nil
}

// readLoop decodes inbound frames until the connection dies, then reports
// the terminal error through onClose. A frame that fails to decode is
// dropped and logged; it never affects transport state or other frames.
func (p *pushChannel) readLoop(ctx context.Context, deliver func(Frame), onClose func(error)) {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			onClose(err)
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			p.log.Warn("dropping malformed push frame", "err", err)
			continue
		}
		deliver(frame)
	}
}

// send writes one frame.
func (p *pushChannel) send(ctx context.Context, data []byte) error {
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	return nil
}

// close tears the socket down.
func (p *pushChannel) close() {
	p.conn.Close(websocket.StatusNormalClosure, "session closed")
}
