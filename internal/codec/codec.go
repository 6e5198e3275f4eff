// Package codec implements the JSON envelope exchanged with a CA.
//
// A request carries the session coordinates plus a fresh correlation id.
// A response echoes that id and holds either a system error (produced by
// the platform: redirects, auth failures, crashes) or an application reply
// (whatever the CA method returned, error and data).
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// System error codes understood by the device.
const (
	CodeRedirect      = 1301
	CodeNotAuthorized = 1401
	CodeRecoverable   = 1503
	CodeUnrecoverable = 1500
)

// ErrTimeout matches application errors that signal an expired long-poll.
var ErrTimeout = errors.New("long-poll timeout")

// Request is the envelope POSTed to a CA.
type Request struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	To        string `json:"to"`
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
	Method    string `json:"methodName"`
	Args      []any  `json:"argsList"`
}

// Response is the envelope returned by a CA.
type Response struct {
	ID     string       `json:"id"`
	Error  *SystemError `json:"error,omitempty"`
	Result *AppReply    `json:"result,omitempty"`
}

// AppReply is the application-level outcome of a method.
type AppReply struct {
	Error json.RawMessage `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SystemError is an error raised by the platform rather than the method.
type SystemError struct {
	Code        int             `json:"code"`
	Message     string          `json:"message,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error %d: %s", e.Code, e.Message)
}

// AppErrorKind distinguishes application errors the device treats specially.
type AppErrorKind int

const (
	AppErrorGeneric AppErrorKind = iota
	AppErrorTimeout
)

// AppError is an application error returned by a CA method.
type AppError struct {
	Kind    AppErrorKind
	Message string
	Raw     json.RawMessage
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return "app error: " + e.Message
	}
	return "app error: " + string(e.Raw)
}

// Is reports timeouts as ErrTimeout.
func (e *AppError) Is(target error) bool {
	return target == ErrTimeout && e.Kind == AppErrorTimeout
}

// IsTimeout reports whether err is a long-poll timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// JSON is the default codec.
type JSON struct{}

// NewRequest builds an envelope with a fresh id.
func (JSON) NewRequest(token, to, from, sessionID, method string, args []any) *Request {
	if args == nil {
		args = []any{}
	}
	return &Request{
		ID:        uuid.NewString(),
		Token:     token,
		To:        to,
		From:      from,
		SessionID: sessionID,
		Method:    method,
		Args:      args,
	}
}

// Decode parses a response body.
func (JSON) Decode(body []byte) (*Response, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("response is not an object")
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (JSON) IsSystemError(r *Response) bool {
	return r.Error != nil
}

func (JSON) IsRedirect(r *Response) bool {
	return r.Error != nil && r.Error.Code == CodeRedirect
}

func (JSON) IsNotAuthorized(r *Response) bool {
	return r.Error != nil && r.Error.Code == CodeNotAuthorized
}

func (JSON) IsErrorRecoverable(r *Response) bool {
	return r.Error != nil && (r.Error.Recoverable || r.Error.Code == CodeRecoverable)
}

func (JSON) IsAppReply(r *Response) bool {
	return r.Error == nil && r.Result != nil
}

// AppReplyError extracts the application error, nil when there is none.
func (JSON) AppReplyError(r *Response) error {
	if r.Result == nil || isNull(r.Result.Error) {
		return nil
	}
	return newAppError(r.Result.Error)
}

// AppReplyData extracts the application data, nil when there is none.
func (JSON) AppReplyData(r *Response) json.RawMessage {
	if r.Result == nil || isNull(r.Result.Data) {
		return nil
	}
	return r.Result.Data
}

func newAppError(raw json.RawMessage) *AppError {
	e := &AppError{Raw: raw}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		e.Message = s
		if s == "timeout" {
			e.Kind = AppErrorTimeout
		}
		return e
	}

	var obj struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Timeout bool   `json:"timeout"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		e.Message = obj.Message
		if obj.Timeout || obj.Type == "timeout" {
			e.Kind = AppErrorTimeout
		}
	}
	return e
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
