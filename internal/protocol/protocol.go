// Package protocol is the realtime wire format: a JSON envelope {client, data} carried in one
// binary WebSocket frame, where data is one of a closed set of payload shapes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
)

// Error codes carried in Error payloads.
const (
	CodeUnrecognizedPayload = "UnrecognizedPayload"
	CodeNotAuthorized       = "NotAuthorized"
	CodeNotFound            = "NotFound"
	CodeInternal            = "Internal"
	CodeBackpressure        = "Backpressure"
)

// Envelope is the outer frame. Client is the connection-local id the frame belongs to.
type Envelope struct {
	Client string          `json:"client"`
	Data   json.RawMessage `json:"data"`
}

// Payload is implemented only by the types in this package.
type Payload interface {
	Kind() string
	isPayload()
}

// Connect is the first frame a client sends: the chat it wants to join.
type Connect struct {
	ChatID string `json:"chatId"`
}

// NewMessage carries one sealed copy addressed to one recipient participant.
type NewMessage struct {
	Sealed    seal.Sealed `json:"sealed"`
	Recipient string      `json:"recipient"`
}

// Confirm tells every connection of a (chat, user) that a connection is ready.
type Confirm struct {
	Connected bool `json:"connected"`
}

// Delivery pushes a persisted sealed message to its recipient.
type Delivery struct {
	Message chat.SealedMessage `json:"message"`
}

// Error reports a failed frame. The connection stays open.
type Error struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Unrecognized is whatever did not match another payload.
type Unrecognized struct {
	Raw []byte `json:"-"`
}

func (Connect) Kind() string      { return "connect" }
func (NewMessage) Kind() string   { return "new_message" }
func (Confirm) Kind() string      { return "confirm" }
func (Delivery) Kind() string     { return "delivery" }
func (Error) Kind() string        { return "error" }
func (Unrecognized) Kind() string { return "unrecognized" }

func (Connect) isPayload()      {}
func (NewMessage) isPayload()   {}
func (Confirm) isPayload()      {}
func (Delivery) isPayload()     {}
func (Error) isPayload()        {}
func (Unrecognized) isPayload() {}

// Frame is a decoded envelope.
type Frame struct {
	Client  string
	Payload Payload
}

type variant struct {
	required []string
	optional []string
	decode   func(json.RawMessage) (Payload, bool)
}

// variants are tried in this order; the first whose field set matches exactly wins.
var variants = []variant{
	{required: []string{"chatId"}, decode: decodeConnect},
	{required: []string{"sealed", "recipient"}, decode: decodeNewMessage},
	{required: []string{"connected"}, decode: decodeConfirm},
	{required: []string{"message"}, decode: decodeDelivery},
	{required: []string{"error"}, optional: []string{"detail"}, decode: decodeError},
}

// Decode parses one binary frame. It never fails: anything it cannot place is Unrecognized.
func Decode(frame []byte) Frame {
	var env Envelope
	if err := strictUnmarshal(frame, &env); err != nil || len(env.Data) == 0 {
		return Frame{Payload: Unrecognized{Raw: frame}}
	}
	return Frame{Client: env.Client, Payload: DecodePayload(env.Data)}
}

// DecodePayload matches data against each payload shape in turn.
func DecodePayload(data json.RawMessage) Payload {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Unrecognized{Raw: data}
	}
	for _, v := range variants {
		if !fieldsMatch(fields, v.required, v.optional) {
			continue
		}
		if p, ok := v.decode(data); ok {
			return p
		}
	}
	return Unrecognized{Raw: data}
}

// Encode wraps payload in an envelope for client.
func Encode(client string, payload Payload) ([]byte, error) {
	if _, ok := payload.(Unrecognized); ok {
		return nil, fmt.Errorf("cannot encode %s payload", payload.Kind())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.Kind(), err)
	}
	return EncodeRaw(client, data)
}

// EncodeRaw wraps an already-encoded payload.
func EncodeRaw(client string, data []byte) ([]byte, error) {
	out, err := json.Marshal(Envelope{Client: client, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

func fieldsMatch(fields map[string]json.RawMessage, required, optional []string) bool {
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return false
		}
	}
	if len(fields) == len(required) {
		return true
	}
	extra := len(fields) - len(required)
	for _, name := range optional {
		if _, ok := fields[name]; ok {
			extra--
		}
	}
	return extra == 0
}

func decodeConnect(data json.RawMessage) (Payload, bool) {
	var p Connect
	if strictUnmarshal(data, &p) != nil || p.ChatID == "" {
		return nil, false
	}
	return p, true
}

func decodeNewMessage(data json.RawMessage) (Payload, bool) {
	var p NewMessage
	if strictUnmarshal(data, &p) != nil || p.Recipient == "" {
		return nil, false
	}
	if len(p.Sealed.EphemeralPublicKey) == 0 || len(p.Sealed.Ciphertext) == 0 || len(p.Sealed.Signature) == 0 {
		return nil, false
	}
	return p, true
}

func decodeConfirm(data json.RawMessage) (Payload, bool) {
	var p Confirm
	if strictUnmarshal(data, &p) != nil {
		return nil, false
	}
	return p, true
}

func decodeDelivery(data json.RawMessage) (Payload, bool) {
	var p Delivery
	if strictUnmarshal(data, &p) != nil || p.Message.ID == "" {
		return nil, false
	}
	return p, true
}

func decodeError(data json.RawMessage) (Payload, bool) {
	var p Error
	if strictUnmarshal(data, &p) != nil || p.Error == "" {
		return nil, false
	}
	return p, true
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after payload")
	}
	return nil
}
