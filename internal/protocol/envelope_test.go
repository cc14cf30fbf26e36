package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"register ok", Envelope{Type: KindRegister, UserID: "u1", Username: "ann"}, true},
		{"register no username", Envelope{Type: KindRegister, UserID: "u1"}, false},
		{"message conversation", Envelope{Type: KindMessage, SenderID: "u1", ConversationID: "c1", Text: "hi"}, true},
		{"message direct", Envelope{Type: KindMessage, SenderID: "u1", ReceiverID: "u2", Text: "hi"}, true},
		{"message no target", Envelope{Type: KindMessage, SenderID: "u1", Text: "hi"}, false},
		{"message no text", Envelope{Type: KindMessage, SenderID: "u1", ConversationID: "c1"}, false},
		{"status ok", Envelope{Type: KindUserStatus, UserID: "u1", Status: "away"}, true},
		{"status bad value", Envelope{Type: KindUserStatus, UserID: "u1", Status: "sleeping"}, false},
		{"signal ok", Envelope{Type: KindCallSignaling, SenderID: "u1", RoomID: "r1", SignalType: SignalOffer}, true},
		{"signal bad type", Envelope{Type: KindCallSignaling, SenderID: "u1", RoomID: "r1", SignalType: "wave"}, false},
		{"signal no room", Envelope{Type: KindCallSignaling, SenderID: "u1", SignalType: SignalOffer}, false},
		{"join ok", Envelope{Type: KindJoinRoom, UserID: "u1", RoomID: "r1"}, true},
		{"leave no room", Envelope{Type: KindLeaveRoom, UserID: "u1"}, false},
		{"ping", Envelope{Type: KindPing}, true},
		{"error ok", Envelope{Type: KindError, Error: "boom"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureIDAssignsOnce(t *testing.T) {
	env := Envelope{Type: KindPing}
	env.EnsureID()
	if env.ID == "" {
		t.Fatal("expected generated id")
	}
	first := env.ID
	env.EnsureID()
	if env.ID != first {
		t.Fatal("EnsureID must not replace an existing id")
	}
}

func TestEnsureTimestamp(t *testing.T) {
	now := time.Now()
	env := Envelope{Type: KindPing}
	env.EnsureTimestamp(now)
	if env.Timestamp != now.UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", env.Timestamp, now.UnixMilli())
	}
	env.EnsureTimestamp(now.Add(time.Hour))
	if env.Timestamp != now.UnixMilli() {
		t.Fatal("EnsureTimestamp must not overwrite")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	env := NewSignal(SignalICECandidate, "u1", "r1", []byte(`{"candidate":"c"}`))
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.SignalType != SignalICECandidate || got.SenderID != "u1" || got.RoomID != "r1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
