package signal

import (
	"encoding/json"
	"errors"
)

// message is the envelope of every frame on the peer channel. Exactly one of
// Request, Response and Notification is set.
type message struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint32          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorName    string          `json:"errorName,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

var errMalformed = errors.New("malformed message")

func parseMessage(raw []byte) (message, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	switch {
	case m.Request:
		if m.Method == "" {
			return m, errMalformed
		}
	case m.Response, m.Notification:
	default:
		return m, errMalformed
	}
	return m, nil
}

type requestFrame struct {
	Request bool   `json:"request"`
	ID      uint32 `json:"id"`
	Method  string `json:"method"`
	Data    any    `json:"data"`
}

type notificationFrame struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

type successFrame struct {
	Response bool   `json:"response"`
	ID       uint32 `json:"id"`
	OK       bool   `json:"ok"`
	Data     any    `json:"data"`
}

type errorFrame struct {
	Response    bool   `json:"response"`
	ID          uint32 `json:"id"`
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"errorCode"`
	ErrorName   string `json:"errorName"`
	ErrorReason string `json:"errorReason"`
}

// RemoteError is a rejection received for a server initiated request.
type RemoteError struct {
	Code   int
	Name   string
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Name != "" {
		return "peer rejected request: " + e.Name + ": " + e.Reason
	}
	return "peer rejected request: " + e.Reason
}
