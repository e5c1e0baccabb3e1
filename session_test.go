package matchkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Harness
// ============================================================================

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func writeResult(w http.ResponseWriter, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

// fastSessionConfig shrinks every interval so transport scenarios play out
// in milliseconds. Quiet detection and heartbeats are parked far away unless
// a test opts in.
func fastSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     2 * time.Second,
		PollFastInterval:     5 * time.Millisecond,
		PollStepInterval:     5 * time.Millisecond,
		PollMaxInterval:      20 * time.Millisecond,
		PollQuietAfter:       time.Hour,
		HeartbeatInterval:    time.Hour,
		SendQueueCapacity:    100,
	}
}

// acceptAuthed completes the server side of the push handshake and returns
// the open connection, or nil if anything failed.
func acceptAuthed(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil
	}
	ctx := r.Context()
	_, data, err := c.Read(ctx)
	if err != nil {
		return nil
	}
	var wf wireFrame
	if json.Unmarshal(data, &wf) != nil || wf.Type != "auth" || wf.Token == "" {
		c.Close(websocket.StatusPolicyViolation, "bad auth")
		return nil
	}
	if c.Write(ctx, websocket.MessageText, []byte(`{"type":"auth_success"}`)) != nil {
		return nil
	}
	return c
}

func restMux(restSends, markReads, heartbeats *atomic.Int32, pull func() PollResult) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/matches/m1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if restSends != nil {
				restSends.Add(1)
			}
			writeResult(w, SendAck{ID: "srv-rest-1", CreatedAt: time.Now().UTC()})
			return
		}
		if pull != nil {
			writeResult(w, pull())
			return
		}
		writeResult(w, PollResult{})
	})
	mux.HandleFunc("/api/matches/m1/read", func(w http.ResponseWriter, r *http.Request) {
		if markReads != nil {
			markReads.Add(1)
		}
		writeResult(w, nil)
	})
	mux.HandleFunc("/api/presence/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if heartbeats != nil {
			heartbeats.Add(1)
		}
		writeResult(w, nil)
	})
	return mux
}

// ============================================================================
// Scenarios
// ============================================================================

// A send while the push channel is open goes over the socket, and the
// server's echo adopts the optimistic entry. The REST send path stays cold.
func TestSessionSendOverOpenPushChannel(t *testing.T) {
	var restSends atomic.Int32

	mux := restMux(&restSends, nil, nil, nil)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c := acceptAuthed(w, r)
		if c == nil {
			return
		}
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var wf wireFrame
			if json.Unmarshal(data, &wf) != nil || wf.Type != "message" {
				continue
			}
			echo, _ := json.Marshal(wireFrame{
				Type:      "message",
				ID:        "m-srv-1",
				SenderID:  "user-me",
				Kind:      wf.Kind,
				Content:   wf.Content,
				CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			})
			if c.Write(ctx, websocket.MessageText, echo) != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", fastSessionConfig())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	waitFor(t, 2*time.Second, func() bool {
		return s.TransportState() == TransportPushActive
	}, "push channel never opened")

	msg, err := s.SendText("hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != StatusSending || !isTempID(msg.ID) {
		t.Fatalf("optimistic entry should be pending, got %+v", msg)
	}

	waitFor(t, 2*time.Second, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m-srv-1" && msgs[0].Status == StatusSent
	}, "echo never adopted the optimistic entry")

	if n := restSends.Load(); n != 0 {
		t.Fatalf("REST send path used %d times with an open push channel", n)
	}
}

// With the push channel down, the poll fallback delivers peer messages and
// the session acknowledges them over REST.
func TestSessionPollFallbackDeliversPeerMessages(t *testing.T) {
	created := time.Now().UTC().Truncate(time.Second)
	var pulls, markReads atomic.Int32

	pull := func() PollResult {
		if pulls.Add(1) > 1 {
			return PollResult{PeerOnline: true}
		}
		return PollResult{
			PeerOnline: true,
			Messages: []Message{
				{ID: "p1", SenderID: "user-peer", Kind: KindText, Content: "hey", CreatedAt: created},
				{ID: "p2", SenderID: "user-peer", Kind: KindText, Content: "you there?", CreatedAt: created.Add(time.Second)},
			},
		}
	}
	mux := restMux(nil, &markReads, nil, pull)
	// No /ws route: every dial fails and polling carries the session.
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastSessionConfig()
	cfg.ReconnectBaseDelay = time.Hour

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", cfg)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	waitFor(t, 2*time.Second, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && msgs[0].Status == StatusDelivered && msgs[1].Status == StatusDelivered
	}, "poll fallback never delivered the peer messages")

	if s.TransportState() == TransportPushActive {
		t.Fatal("transport cannot be push-active without a websocket route")
	}

	waitFor(t, 2*time.Second, func() bool { return markReads.Load() >= 1 }, "read receipt never sent over REST")
	waitFor(t, 2*time.Second, func() bool { return s.Peer().Online }, "peer presence never applied")
}

// A send with the push channel down goes over REST; the acknowledgment
// assigns the server identity and withdraws the buffered frame.
func TestSessionRESTSendSettlesAndEmptiesQueue(t *testing.T) {
	var restSends atomic.Int32
	mux := restMux(&restSends, nil, nil, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastSessionConfig()
	cfg.ReconnectBaseDelay = time.Hour

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", cfg)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	if _, err := s.SendText("offline hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "srv-rest-1" && msgs[0].Status == StatusSent
	}, "REST ack never settled the optimistic entry")

	waitFor(t, 2*time.Second, func() bool { return s.PendingSends() == 0 }, "acknowledged frame still buffered")
	if n := restSends.Load(); n != 1 {
		t.Fatalf("REST send called %d times, want 1", n)
	}
}

// A server that drops the socket before auth_success burns the whole retry
// budget: one initial dial plus five reconnect attempts, then the session
// pins itself to polling.
func TestSessionGivesUpAfterRetryBudget(t *testing.T) {
	var dials atomic.Int32

	mux := restMux(nil, nil, nil, nil)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Close(websocket.StatusGoingAway, "not today")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", fastSessionConfig())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	waitFor(t, 5*time.Second, func() bool { return dials.Load() == 6 }, "retry budget not fully consumed")
	waitFor(t, 2*time.Second, func() bool {
		return s.TransportState() == TransportPollActive
	}, "session should settle on polling after giving up")

	// No further dials once given up.
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 6 {
		t.Fatalf("dial count kept growing after give-up: %d", n)
	}
}

// Typing and presence frames surface through the peer observer; the local
// user's own frames are filtered out.
func TestSessionPeerPresenceFrames(t *testing.T) {
	mux := restMux(nil, nil, nil, nil)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c := acceptAuthed(w, r)
		if c == nil {
			return
		}
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, []byte(`{"type":"typing","senderId":"user-me","isTyping":true}`))
		c.Write(ctx, websocket.MessageText, []byte(`{"type":"online_status","userId":"user-peer","online":true}`))
		c.Write(ctx, websocket.MessageText, []byte(`{"type":"typing","senderId":"user-peer","isTyping":true}`))
		<-ctx.Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", fastSessionConfig())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	waitFor(t, 2*time.Second, func() bool {
		p := s.Peer()
		return p.Online && p.Typing
	}, "peer presence frames never applied")
}

// A read frame from the peer marks the local user's sent messages read.
func TestSessionReadFrameMarksOwnMessages(t *testing.T) {
	mux := restMux(nil, nil, nil, nil)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c := acceptAuthed(w, r)
		if c == nil {
			return
		}
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var wf wireFrame
			if json.Unmarshal(data, &wf) != nil || wf.Type != "message" {
				continue
			}
			echo, _ := json.Marshal(wireFrame{
				Type: "message", ID: "m-srv-9", SenderID: "user-me",
				Kind: wf.Kind, Content: wf.Content,
				CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			})
			c.Write(ctx, websocket.MessageText, echo)
			c.Write(ctx, websocket.MessageText, []byte(`{"type":"read","ids":["m-srv-9"]}`))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", fastSessionConfig())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	waitFor(t, 2*time.Second, func() bool {
		return s.TransportState() == TransportPushActive
	}, "push channel never opened")

	if _, err := s.SendText("did you see this"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m-srv-9" && msgs[0].Status == StatusRead
	}, "read receipt never reached the sent message")
}

// The heartbeat runs on its own cadence even when the push channel is down,
// and a failing endpoint never disturbs the session.
func TestSessionHeartbeat(t *testing.T) {
	var heartbeats atomic.Int32
	mux := restMux(nil, nil, &heartbeats, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastSessionConfig()
	cfg.ReconnectBaseDelay = time.Hour
	cfg.HeartbeatInterval = 5 * time.Millisecond

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", cfg)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	waitFor(t, 2*time.Second, func() bool { return heartbeats.Load() >= 2 }, "heartbeat never fired")
}

func TestSessionCloseRejectsFurtherSends(t *testing.T) {
	mux := restMux(nil, nil, nil, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastSessionConfig()
	cfg.ReconnectBaseDelay = time.Hour

	client := NewClient("tok", WithBaseURL(srv.URL))
	s, err := client.OpenSession(context.Background(), "m1", "user-me", cfg)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	s.Close()

	if _, err := s.SendText("too late"); err != ErrSessionClosed {
		t.Fatalf("send after close: err = %v, want ErrSessionClosed", err)
	}
	if err := s.Resend("temp-1"); err != ErrSessionClosed {
		t.Fatalf("resend after close: err = %v, want ErrSessionClosed", err)
	}

	// Close is idempotent.
	s.Close()
}

func TestOpenSessionValidatesIdentifiers(t *testing.T) {
	client := NewClient("tok")
	if _, err := client.OpenSession(context.Background(), "", "user-me", nil); err == nil {
		t.Fatal("empty matchID must be rejected")
	}
	if _, err := client.OpenSession(context.Background(), "m1", "", nil); err == nil {
		t.Fatal("empty selfID must be rejected")
	}
}
