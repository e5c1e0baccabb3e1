package matchkit

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeMessageFrame(t *testing.T) {
	raw := `{"type":"message","id":"m1","senderId":"peer","kind":"text","content":"hey","createdAt":"2026-02-14T10:00:00Z"}`

	frame, err := decodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	msg, ok := frame.(MessageFrame)
	if !ok {
		t.Fatalf("expected MessageFrame, got %T", frame)
	}
	if msg.ID != "m1" || msg.SenderID != "peer" || msg.Kind != KindText || msg.Content != "hey" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	want := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Fatalf("unexpected timestamp: %v", msg.CreatedAt)
	}
}

func TestDecodeLegacyKindAliases(t *testing.T) {
	cases := []struct {
		frameType string
		want      MessageKind
	}{
		{"text", KindText},
		{"photo", KindImage},
		{"voice", KindVoice},
		{"gift", KindGift},
	}
	for _, tc := range cases {
		raw := `{"type":"` + tc.frameType + `","id":"m1","senderId":"peer","mediaUrl":"cdn://x"}`
		frame, err := decodeFrame([]byte(raw))
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.frameType, err)
		}
		msg, ok := frame.(MessageFrame)
		if !ok {
			t.Fatalf("%s: expected MessageFrame, got %T", tc.frameType, frame)
		}
		if msg.Kind != tc.want {
			t.Errorf("%s: expected kind %s, got %s", tc.frameType, tc.want, msg.Kind)
		}
	}
}

func TestDecodePresenceAndReadFrames(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"type":"typing","senderId":"peer","isTyping":true}`))
	if err != nil {
		t.Fatalf("typing decode failed: %v", err)
	}
	if ty := frame.(TypingFrame); !ty.Typing || ty.SenderID != "peer" {
		t.Fatalf("unexpected typing frame: %+v", ty)
	}

	frame, err = decodeFrame([]byte(`{"type":"online_status","userId":"peer","online":true,"lastSeen":"2026-02-14T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("online_status decode failed: %v", err)
	}
	if os := frame.(OnlineStatusFrame); !os.Online || os.UserID != "peer" || os.LastSeen.IsZero() {
		t.Fatalf("unexpected online_status frame: %+v", os)
	}

	frame, err = decodeFrame([]byte(`{"type":"read","ids":["m1","m2"]}`))
	if err != nil {
		t.Fatalf("read decode failed: %v", err)
	}
	if rd := frame.(ReadFrame); len(rd.IDs) != 2 {
		t.Fatalf("unexpected read frame: %+v", rd)
	}

	// Bulk fallback: a read frame with no ids is valid.
	frame, err = decodeFrame([]byte(`{"type":"read"}`))
	if err != nil {
		t.Fatalf("bulk read decode failed: %v", err)
	}
	if rd := frame.(ReadFrame); len(rd.IDs) != 0 {
		t.Fatalf("expected empty id list, got %+v", rd)
	}
}

func TestDecodeRejectsMalformedAndUnknownFrames(t *testing.T) {
	if _, err := decodeFrame([]byte(`{not json`)); err == nil {
		t.Fatal("malformed JSON should fail")
	}
	if _, err := decodeFrame([]byte(`{"type":"gift_catalog_update"}`)); err == nil {
		t.Fatal("unknown frame type should fail")
	}
}

func TestEncodeAuthFrameCarriesToken(t *testing.T) {
	var w wireFrame
	if err := json.Unmarshal(encodeAuthFrame("secret-token"), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Type != "auth" || w.Token != "secret-token" {
		t.Fatalf("unexpected auth frame: %+v", w)
	}
}

func TestEncodeMessageAndReadFrames(t *testing.T) {
	msg := Message{MatchID: "match-1", Kind: KindGift, MediaURL: "gift://rose"}
	var w wireFrame
	if err := json.Unmarshal(encodeMessageFrame(msg), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Type != "message" || w.MatchID != "match-1" || w.Kind != "gift" || w.MediaRef != "gift://rose" {
		t.Fatalf("unexpected message frame: %+v", w)
	}

	if err := json.Unmarshal(encodeReadFrame([]string{"m1"}), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Type != "read" || len(w.IDs) != 1 || w.IDs[0] != "m1" {
		t.Fatalf("unexpected read frame: %+v", w)
	}
}
