package common

import (
	"bytes"
	"encoding/json"
)

type MsgType string

// client -> server
const (
	Subscribe   MsgType = "Subscribe"
	Unsubscribe MsgType = "Unsubscribe"
	Fetch       MsgType = "Fetch"
	Operation   MsgType = "Operation"
	Presence    MsgType = "Presence"
)

// server -> client
const (
	Hello           MsgType = "Hello"
	Subscribed      MsgType = "Subscribed"
	Unsubscribed    MsgType = "Unsubscribed"
	Snapshot        MsgType = "Snapshot"
	Accepted        MsgType = "Accepted"
	Rejected        MsgType = "Rejected"
	RemoteOperation MsgType = "RemoteOperation"
	RemotePresence  MsgType = "RemotePresence"
	Error           MsgType = "Error"
)

type Request struct {
	Type    MsgType         `json:"type"`
	Seq     int64           `json:"seq,omitempty"` // echoed back on the direct response
	DocId   string          `json:"docId"`
	DocType string          `json:"docType,omitempty"` // Subscribe only
	Version int64           `json:"version"`           // base version of an Operation
	Payload json.RawMessage `json:"payload,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"` // Presence value, null clears
}

type Response struct {
	Type      MsgType                    `json:"type"`
	Seq       int64                      `json:"seq,omitempty"`
	DocId     string                     `json:"docId,omitempty"`
	DocType   string                     `json:"docType,omitempty"`
	Version   int64                      `json:"version"`
	Content   json.RawMessage            `json:"content,omitempty"`
	Payload   json.RawMessage            `json:"payload,omitempty"`
	SessionId string                     `json:"sessionId,omitempty"`
	Value     json.RawMessage            `json:"value,omitempty"`
	Presence  map[string]json.RawMessage `json:"presence,omitempty"`
	Code      string                     `json:"code,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
}

// IsNull reports whether a raw JSON value is absent or the literal null.
func IsNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || string(t) == "null"
}

// ErrorResponse builds the response for a failed request. Operations are
// answered with Rejected, everything else with Error.
func ErrorResponse(req Request, err error) Response {
	t := Error
	if req.Type == Operation {
		t = Rejected
	}
	return Response{
		Type:   t,
		Seq:    req.Seq,
		DocId:  req.DocId,
		Code:   Code(err),
		Reason: err.Error(),
	}
}
