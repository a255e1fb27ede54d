// Package uds carries the agent control protocol: newline-delimited JSON
// envelopes over a Unix domain socket. Requests are answered in any order and
// matched by ID; events are pushed to every connected client.
package uds

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// maxLine bounds one envelope on the wire.
const maxLine = 1 << 20

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the envelope for all communication. Code classifies Error so
// clients can match it against the core sentinels.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

func encode(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// NewRequest creates a request with a fresh ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgTypeReq, ID: uuid.NewString(), Method: method, Data: raw}, nil
}

// NewResponse answers the request reqID.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Data: raw}, nil
}

// NewErrorResponse answers reqID with err, tagging it with its error code.
func NewErrorResponse(reqID, method string, err error) Message {
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Error: err.Error(), Code: codeOf(err)}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgTypeEvt, ID: uuid.NewString(), Method: method, Data: raw}, nil
}

// UnmarshalData decodes the message payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Method)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Method, err)
	}
	return nil
}

var codes = []struct {
	code string
	err  error
}{
	{"not_found", core.ErrNotFound},
	{"already_exists", core.ErrAlreadyExists},
	{"closed", core.ErrClosed},
	{"config_invalid", core.ErrConfigInvalid},
	{"transient_io", core.ErrTransientIO},
}

func codeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// RemoteError is an error returned by a handler on the agent side.
type RemoteError struct {
	Method  string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent: %s: %s", e.Method, e.Message)
}

// Unwrap maps the wire code back to its sentinel.
func (e *RemoteError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

// Methods
const (
	MethodPing            = "Ping"
	MethodListSources     = "ListSources"
	MethodGetSource       = "GetSource"
	MethodRetireSource    = "RetireSource"
	MethodListCheckpoints = "ListCheckpoints"
	MethodStats           = "Stats"
	MethodRecentAudit     = "RecentAudit"

	EventSourcesDelta = "sources.delta"
	EventAudit        = "audit"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
}

// ListSourcesRequest is the payload for ListSources. All includes retired
// sources that are still remembered.
type ListSourcesRequest struct {
	All bool `json:"all,omitempty"`
}

// SourceRequest is the payload for GetSource and RetireSource.
type SourceRequest struct {
	ID string `json:"id"`
}

// RetireSourceResponse is the response to RetireSource.
type RetireSourceResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}
