package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const Version = "2.0"

type field uint8

const (
	fieldMethod field = 1 << iota
	fieldParams
	fieldID
	fieldResult
	fieldError
)

// Message is one of request, response, error or notification. The variant is never
// stored; it is derived from which keys are present, which is also what peers do.
// A Message is not modified after construction.
type Message struct {
	version string
	method  string
	params  map[string]any
	id      ID
	result  any
	err     *Error

	present field
}

func NewRequest(method string, params map[string]any, id ID) *Message {
	m := &Message{version: Version, method: method, id: id, present: fieldMethod | fieldID}
	if params != nil {
		m.params = params
		m.present |= fieldParams
	}
	return m
}

// NewResponse wraps result, which may be nil. A nil result is still sent as
// "result": null so the peer sees a response.
func NewResponse(result any, id ID) *Message {
	return &Message{version: Version, result: result, id: id, present: fieldResult | fieldID}
}

func NewError(err *Error, id ID) *Message {
	if err == nil {
		err = NewErrorObject(CodeInternalError, MsgInternalError, nil)
	}
	return &Message{version: Version, err: err, id: id, present: fieldError | fieldID}
}

func NewNotification(method string, params map[string]any) *Message {
	m := &Message{version: Version, method: method, present: fieldMethod}
	if params != nil {
		m.params = params
		m.present |= fieldParams
	}
	return m
}

func (m *Message) has(f field) bool {
	return m.present&f == f
}

func (m *Message) lacks(f field) bool {
	return m.present&f == 0
}

func (m *Message) IsRequest() bool {
	return m.has(fieldMethod|fieldID) && m.lacks(fieldResult|fieldError)
}

func (m *Message) IsResponse() bool {
	return m.has(fieldID|fieldResult) && m.lacks(fieldMethod|fieldError)
}

func (m *Message) IsError() bool {
	return m.has(fieldID|fieldError) && m.lacks(fieldMethod|fieldResult)
}

func (m *Message) IsNotification() bool {
	return m.has(fieldMethod) && m.lacks(fieldID|fieldResult|fieldError)
}

// Kind names the variant for logs. Unclassifiable messages report "invalid".
func (m *Message) Kind() string {
	switch {
	case m.IsRequest():
		return "request"
	case m.IsResponse():
		return "response"
	case m.IsError():
		return "error"
	case m.IsNotification():
		return "notification"
	default:
		return "invalid"
	}
}

func (m *Message) Version() string { return m.version }
func (m *Message) Method() string  { return m.method }
func (m *Message) ID() ID          { return m.id }
func (m *Message) HasID() bool     { return m.has(fieldID) }
func (m *Message) Result() any     { return m.result }
func (m *Message) Error() *Error   { return m.err }

// Params never returns nil so handlers can index it directly.
func (m *Message) Params() map[string]any {
	if m.params == nil {
		return map[string]any{}
	}
	return m.params
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  *string         `json:"method,omitempty"`
	Params  map[string]any  `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{JSONRPC: m.version}
	if w.JSONRPC == "" {
		w.JSONRPC = Version
	}
	if m.has(fieldMethod) {
		w.Method = &m.method
	}
	if m.has(fieldParams) {
		w.Params = m.params
		if w.Params == nil {
			w.Params = map[string]any{}
		}
	}
	if m.has(fieldID) {
		id := m.id
		w.ID = &id
	}
	if m.has(fieldResult) {
		raw, err := json.Marshal(m.result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		w.Result = raw
	}
	if m.has(fieldError) {
		w.Error = m.err
	}
	out, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	// An empty params object is still a present key.
	if m.has(fieldParams) && len(m.params) == 0 {
		out = injectEmptyParams(out)
	}
	return out, nil
}

// injectEmptyParams re-adds "params":{} which omitempty drops for empty maps.
func injectEmptyParams(out []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(out) + 12)
	buf.Write(out[:len(out)-1])
	buf.WriteString(`,"params":{}}`)
	return buf.Bytes()
}

// Serialize returns the frame for m.
func (m *Message) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) String() string {
	data, err := m.Serialize()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", m.Kind(), err)
	}
	return string(data)
}

// Parse decodes a frame. Only syntax and value types are checked; whether the keys
// form a valid variant is left to the classification methods.
func Parse(frame []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: frame is not an object", ErrMalformedMessage)
	}

	m := &Message{}
	if v, ok := raw["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &m.version); err != nil {
			return nil, fmt.Errorf("%w: jsonrpc: %v", ErrMalformedMessage, err)
		}
	}
	if v, ok := present(raw, "method"); ok {
		if err := json.Unmarshal(v, &m.method); err != nil {
			return nil, fmt.Errorf("%w: method: %v", ErrMalformedMessage, err)
		}
		m.present |= fieldMethod
	}
	if v, ok := present(raw, "params"); ok {
		if err := json.Unmarshal(v, &m.params); err != nil {
			return nil, fmt.Errorf("%w: params: %v", ErrMalformedMessage, err)
		}
		m.present |= fieldParams
	}
	if v, ok := present(raw, "id"); ok {
		if err := json.Unmarshal(v, &m.id); err != nil {
			return nil, fmt.Errorf("%w: id: %v", ErrMalformedMessage, err)
		}
		m.present |= fieldID
	}
	// A null result is still a result.
	if v, ok := raw["result"]; ok {
		if err := json.Unmarshal(v, &m.result); err != nil {
			return nil, fmt.Errorf("%w: result: %v", ErrMalformedMessage, err)
		}
		m.present |= fieldResult
	}
	if v, ok := present(raw, "error"); ok {
		var e Error
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformedMessage, err)
		}
		m.err = &e
		m.present |= fieldError
	}
	return m, nil
}

// present treats an explicit null as an absent key.
func present(raw map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := raw[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}
	return v, true
}
