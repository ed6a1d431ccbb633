package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
)

func sampleSealed() seal.Sealed {
	return seal.Sealed{
		EphemeralPublicKey: bytes.Repeat([]byte{1}, 32),
		Ciphertext:         bytes.Repeat([]byte{2}, 40),
		Signature:          bytes.Repeat([]byte{3}, 64),
	}
}

func TestEncodeDecodeEachPayload(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payloads := []Payload{
		Connect{ChatID: "chat-1"},
		NewMessage{Sealed: sampleSealed(), Recipient: "p-2"},
		Confirm{Connected: true},
		Delivery{Message: chat.SealedMessage{ID: "m-1", ChatID: "chat-1", SenderID: "p-1", RecipientID: "p-2", Sealed: sampleSealed(), CreatedAt: now}},
		Error{Error: CodeNotFound, Detail: "recipient not found"},
	}

	for _, p := range payloads {
		raw, err := Encode("client-1", p)
		if err != nil {
			t.Fatalf("encode %s: %v", p.Kind(), err)
		}
		frame := Decode(raw)
		if frame.Client != "client-1" {
			t.Fatalf("%s: expected client-1, got %q", p.Kind(), frame.Client)
		}
		if frame.Payload.Kind() != p.Kind() {
			t.Fatalf("expected %s, decoded %s", p.Kind(), frame.Payload.Kind())
		}
	}
}

func TestDecodeWireShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"connect", `{"client":"c","data":{"chatId":"abc"}}`, "connect"},
		{"confirm", `{"client":"c","data":{"connected":true}}`, "confirm"},
		{"error", `{"client":"c","data":{"error":"NotFound"}}`, "error"},
		{"new message", `{"client":"c","data":{"sealed":{"ephemeralPublicKeyData":"AQ==","ciphertext":"Ag==","signature":"Aw=="},"recipient":"p"}}`, "new_message"},
		{"extra field", `{"client":"c","data":{"chatId":"abc","evil":1}}`, "unrecognized"},
		{"empty chat id", `{"client":"c","data":{"chatId":""}}`, "unrecognized"},
		{"wrong type", `{"client":"c","data":{"connected":"yes"}}`, "unrecognized"},
		{"sealed missing signature", `{"client":"c","data":{"sealed":{"ephemeralPublicKeyData":"AQ==","ciphertext":"Ag=="},"recipient":"p"}}`, "unrecognized"},
		{"sealed unknown field", `{"client":"c","data":{"sealed":{"ephemeralPublicKeyData":"AQ==","ciphertext":"Ag==","signature":"Aw==","x":1},"recipient":"p"}}`, "unrecognized"},
		{"empty object", `{"client":"c","data":{}}`, "unrecognized"},
		{"array", `{"client":"c","data":[1,2]}`, "unrecognized"},
		{"null data", `{"client":"c","data":null}`, "unrecognized"},
		{"missing data", `{"client":"c"}`, "unrecognized"},
		{"not json", `hello`, "unrecognized"},
		{"trailing", `{"client":"c","data":{"chatId":"abc"}} {}`, "unrecognized"},
	}
	for _, tc := range cases {
		frame := Decode([]byte(tc.raw))
		if frame.Payload.Kind() != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, frame.Payload.Kind())
		}
	}
}

func TestDecodeKeepsRawForUnrecognized(t *testing.T) {
	raw := []byte(`{"client":"c","data":{"what":true}}`)
	frame := Decode(raw)
	un, ok := frame.Payload.(Unrecognized)
	if !ok {
		t.Fatalf("expected Unrecognized, got %T", frame.Payload)
	}
	if string(un.Raw) != `{"what":true}` {
		t.Fatalf("unexpected raw payload %s", un.Raw)
	}
	if frame.Client != "c" {
		t.Fatalf("expected client id to survive, got %q", frame.Client)
	}
}

func TestConnectDecodesChatID(t *testing.T) {
	frame := Decode([]byte(`{"client":"c","data":{"chatId":"abc"}}`))
	connect, ok := frame.Payload.(Connect)
	if !ok || connect.ChatID != "abc" {
		t.Fatalf("unexpected payload %#v", frame.Payload)
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	raw, err := Encode("client-9", Confirm{Connected: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if generic["client"] != "client-9" {
		t.Fatalf("unexpected client field: %v", generic["client"])
	}
	data, ok := generic["data"].(map[string]any)
	if !ok || data["connected"] != true {
		t.Fatalf("unexpected data field: %v", generic["data"])
	}
}

func TestEncodeRejectsUnrecognized(t *testing.T) {
	if _, err := Encode("c", Unrecognized{Raw: []byte("x")}); err == nil {
		t.Fatal("expected error encoding Unrecognized")
	}
}
