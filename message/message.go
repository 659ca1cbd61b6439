// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package message implements the wire formats exchanged between hubbub
// nodes and the hub.
//
// There are four kinds of messages. Requests, responses, and events are
// JSON objects:
//
//	request:  {"src":<root>,"targ":<root>,"command":<string>,"params":[...],"uuid":<uuid>}
//	response: {"targ":<root>,"res":<any>,"err":<any|null>,"uuid":<uuid>}
//	event:    {"topic":<topic>,"payload":<any>,"err":<any|null>}
//
// Encoded JSON messages never contain a literal "*", so they can be framed on
// a stream transport. The kind of a JSON message is not tagged; it is determined by which keys
// are present (see [Classify]). System messages are not JSON, but a
// dot-delimited string beginning with "$SYS" (see [System]).
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/creachadair/hubbub/topic"
)

// Kind identifies the structure of a message.
type Kind byte

const (
	KindEvent    Kind = iota // A published event
	KindRequest              // A command request addressed to a root topic
	KindResponse             // The response to a request
	KindSystem               // A control message ($SYS...)
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindSystem:
		return "system"
	default:
		return fmt.Sprintf("kind:%d", byte(k))
	}
}

// probe records which keys are present in a JSON message, without decoding
// their values.
type probe struct {
	Src     json.RawMessage `json:"src"`
	Targ    json.RawMessage `json:"targ"`
	Command json.RawMessage `json:"command"`
	UUID    json.RawMessage `json:"uuid"`
}

func present(v json.RawMessage) bool { return len(v) != 0 && !isNull(v) }

// Classify reports the kind of the message encoded in data.
//
// A message beginning with the system prefix is a system message. A JSON
// message with src, targ, command, and uuid is a request; one with targ and
// uuid but neither src nor command is a response. Anything else,
// including data that is not valid JSON, is classified as an event.
func Classify(data string) Kind {
	if strings.HasPrefix(data, topic.SystemPrefix) {
		return KindSystem
	}
	var p probe
	if json.Unmarshal([]byte(data), &p) != nil {
		return KindEvent
	}
	switch {
	case present(p.Src) && present(p.Targ) && present(p.Command) && present(p.UUID):
		return KindRequest
	case present(p.Targ) && present(p.UUID) && !present(p.Src) && !present(p.Command):
		return KindResponse
	}
	return KindEvent
}

// Route reports the target root topic and correlation ID of a directed
// message (a request or response). It reports ok == false unless both are
// present. Route does not decode any other part of the message.
func Route(data string) (target, uuid string, ok bool) {
	if strings.HasPrefix(data, topic.SystemPrefix) {
		return "", "", false
	}
	var p struct {
		Targ string `json:"targ"`
		UUID string `json:"uuid"`
	}
	if json.Unmarshal([]byte(data), &p) != nil || p.Targ == "" || p.UUID == "" {
		return "", "", false
	}
	return p.Targ, p.UUID, true
}

// Request is the format of a command request.
type Request struct {
	Source  string            `json:"src"`
	Target  string            `json:"targ"`
	Command string            `json:"command"`
	Params  []json.RawMessage `json:"params"`
	UUID    string            `json:"uuid"`
}

// NewRequest constructs a request with params encoded as JSON.
func NewRequest(src, targ, command, uuid string, params ...any) (*Request, error) {
	req := &Request{Source: src, Target: targ, Command: command, UUID: uuid}
	for i, p := range params {
		raw, err := Value(p)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i+1, err)
		}
		if raw == nil {
			raw = json.RawMessage("null")
		}
		req.Params = append(req.Params, raw)
	}
	return req, nil
}

// Encode encodes r in wire format.
func (r Request) Encode() string {
	if r.Params == nil {
		r.Params = []json.RawMessage{}
	}
	return mustEncode(r)
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(%s → %s, %s, ID=%s, %d params)", r.Source, r.Target, r.Command, r.UUID, len(r.Params))
}

// ParseRequest decodes data as a request message.
func ParseRequest(data string) (*Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if len(r.Params) == 0 {
		r.Params = nil
	}
	return &r, nil
}

// Response is the format of a command response.
type Response struct {
	Target string          `json:"targ"`
	Result json.RawMessage `json:"res"`
	Err    json.RawMessage `json:"err"`
	UUID   string          `json:"uuid"`
}

// NewResponse constructs a response with the given result and error values
// encoded as JSON. A nil value is recorded as absent.
func NewResponse(targ, uuid string, result, errv any) (*Response, error) {
	res, err := Value(result)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	ev, err := Value(errv)
	if err != nil {
		return nil, fmt.Errorf("error: %w", err)
	}
	return &Response{Target: targ, Result: res, Err: ev, UUID: uuid}, nil
}

// Failed reports whether r carries an error value.
func (r Response) Failed() bool { return r.Err != nil }

// Encode encodes r in wire format.
func (r Response) Encode() string { return mustEncode(r) }

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	if r.Failed() {
		return fmt.Sprintf("Response(→ %s, ID=%s, err=%s)", r.Target, r.UUID, r.Err)
	}
	return fmt.Sprintf("Response(→ %s, ID=%s, res=%s)", r.Target, r.UUID, clip(r.Result))
}

// ParseResponse decodes data as a response message.
func ParseResponse(data string) (*Response, error) {
	var r Response
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	r.Result = normalize(r.Result)
	r.Err = normalize(r.Err)
	return &r, nil
}

// Event is the format of a published event.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Err     json.RawMessage `json:"err"`
}

// NewEvent constructs an event with payload encoded as JSON.
func NewEvent(topic string, payload any) (*Event, error) {
	raw, err := Value(payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return &Event{Topic: topic, Payload: raw}, nil
}

// Encode encodes e in wire format.
func (e Event) Encode() string { return mustEncode(e) }

// Retarget returns a copy of e addressed to the given topic.
func (e Event) Retarget(topic string) *Event {
	e.Topic = topic
	return &e
}

// Decode unmarshals the payload of e into v.
func (e Event) Decode(v any) error {
	if e.Payload == nil {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// String returns a human-friendly rendering of the event.
func (e Event) String() string {
	return fmt.Sprintf("Event(%s, payload=%s)", e.Topic, clip(e.Payload))
}

// ParseEvent decodes data as an event message.
func ParseEvent(data string) (*Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	e.Payload = normalize(e.Payload)
	e.Err = normalize(e.Err)
	return &e, nil
}

// ErrorData is the structured form of an error reported by a command
// handler, carried in the err field of a response.
type ErrorData struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface, allowing an ErrorData value to be
// returned by a handler to control the error reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Decode decodes an err value into e. A JSON string is accepted as a bare
// message; any other value that is not an object is kept as Data.
func (e *ErrorData) Decode(data json.RawMessage) error {
	*e = ErrorData{}
	if len(data) == 0 || isNull(data) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &e.Message)
	case '{':
		return json.Unmarshal(data, e)
	}
	e.Data = data
	return nil
}

// Value encodes v as JSON. A nil value, or a value that encodes as null,
// is reported as a nil message. A json.RawMessage is copied unchanged, but
// must be empty or contain valid JSON.
func Value(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) != 0 && !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON value %q", clip(raw))
		}
		return normalize(bytes.Clone(raw)), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return normalize(data), nil
}

// mustEncode encodes v as JSON. A "*" can only occur inside a JSON string,
// so it is escaped to keep encoded messages free of the stream delimiter.
func mustEncode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return strings.ReplaceAll(string(data), "*", `\u002a`)
}

func isNull(v json.RawMessage) bool { return string(bytes.TrimSpace(v)) == "null" }

// normalize maps an explicit JSON null to an absent value.
func normalize(v json.RawMessage) json.RawMessage {
	if len(v) == 0 || isNull(v) {
		return nil
	}
	return v
}

func clip(v json.RawMessage) string {
	if len(v) > 32 {
		return string(v[:32]) + "..."
	}
	return string(v)
}
