package janus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is an outgoing frame. Transaction, SessionID and HandleID are
// stamped by the connection and the plugin handle.
type Request struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction,omitempty"`
	SessionID   int64  `json:"session_id,omitempty"`
	HandleID    int64  `json:"handle_id,omitempty"`
	Plugin      string `json:"plugin,omitempty"`
	OpaqueID    string `json:"opaque_id,omitempty"`
	Body        any    `json:"body,omitempty"`
	JSEP        *JSEP  `json:"jsep,omitempty"`
	Candidate   any    `json:"candidate,omitempty"`
}

type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TrickleCompleted is the candidate payload that ends a trickle.
var TrickleCompleted = struct {
	Completed bool `json:"completed"`
}{Completed: true}

type ErrorPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type PluginData struct {
	Plugin string          `json:"plugin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Message is an incoming response or event.
type Message struct {
	Janus       string          `json:"janus,omitempty"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   int64           `json:"session_id,omitempty"`
	Sender      int64           `json:"sender,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	JSEP        *JSEP           `json:"jsep,omitempty"`
	Error       *ErrorPayload   `json:"error,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &m, nil
}

type pluginStatus struct {
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

// Err extracts the error carried by the message. A plugin error_code wins
// over the top-level error object.
func (m *Message) Err() error {
	if m.PluginData != nil && isObject(m.PluginData.Data) {
		var st pluginStatus
		if err := json.Unmarshal(m.PluginData.Data, &st); err == nil && st.ErrorCode != 0 {
			reason := st.Error
			if reason == "" {
				reason = "Undefined error"
			}
			return &PluginError{Code: st.ErrorCode, Reason: reason}
		}
	}
	if m.Error != nil {
		return &PluginError{Code: m.Error.Code, Reason: m.Error.Reason}
	}
	return nil
}

// Final reports whether the message carries a result for its transaction.
// Bare acks do not.
func (m *Message) Final() bool {
	return isObject(m.Data) || m.PluginData != nil || m.Error != nil
}

// DataID returns data.id, the identifier a create or attach response carries.
func (m *Message) DataID() (int64, error) {
	var d struct {
		ID int64 `json:"id"`
	}
	if !isObject(m.Data) {
		return 0, fmt.Errorf("%w: no data object", ErrMalformedResponse)
	}
	if err := json.Unmarshal(m.Data, &d); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if d.ID == 0 {
		return 0, fmt.Errorf("%w: missing id", ErrMalformedResponse)
	}
	return d.ID, nil
}

// DecodePlugin unmarshals plugindata.data into v.
func (m *Message) DecodePlugin(v any) error {
	if m.PluginData == nil || !isObject(m.PluginData.Data) {
		return fmt.Errorf("%w: no plugin data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(m.PluginData.Data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	return len(raw) > 0 && raw[0] == '{'
}
