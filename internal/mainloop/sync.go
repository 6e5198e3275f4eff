package mainloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// SyncError is a failed reconciliation with the CA: the exchange itself
// failed, or the CA answered with something other than a view.
type SyncError struct {
	Status int
	Body   string
	Err    error
}

func (e *SyncError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("sync failed: %v", e.Err)
	case e.Status != 0:
		return fmt.Sprintf("sync failed: status %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("sync failed: %s", e.Body)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Observer is notified around every sync exchange, e.g. a clock estimator.
type Observer interface {
	StartRequest()
	EndRequest(h http.Header)
}

// syncer posts the device view and interprets the CA reply.
type syncer struct {
	url      string
	http     *resty.Client
	observer Observer
}

// sync returns the new device and CA views. The device view is only replaced
// when the CA resets the session, otherwise it is returned unchanged.
func (s *syncer) sync(ctx context.Context, device *View) (*View, *View, error) {
	if s.observer != nil {
		s.observer.StartRequest()
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(device).
		Post(s.url)
	if err != nil {
		return nil, nil, &SyncError{Err: err}
	}
	if s.observer != nil {
		s.observer.EndRequest(resp.Header())
	}

	body := resp.Body()
	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, nil, &SyncError{Status: resp.StatusCode(), Body: string(body)}
	}
	return parseReply(device, body)
}

// parseReply understands the three reply shapes: a view, a two element
// array [deviceView, caView] of JSON strings that resets both sides, or
// anything else, which is an error.
func parseReply(device *View, body []byte) (*View, *View, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, &SyncError{Body: "empty reply"}
	}

	switch trimmed[0] {
	case '{':
		ca := &View{}
		if err := json.Unmarshal(trimmed, ca); err != nil {
			return nil, nil, &SyncError{Body: string(body), Err: err}
		}
		ca.ensureValues()
		return device, ca, nil

	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil, nil, &SyncError{Body: string(body), Err: err}
		}
		if len(parts) != 2 {
			return nil, nil, &SyncError{Body: string(body)}
		}
		newDevice, err := decodeEmbeddedView(parts[0])
		if err != nil {
			return nil, nil, &SyncError{Body: string(body), Err: err}
		}
		if newDevice.IsEmpty() {
			// first contact, not a resume
			newDevice.ToCloud.Version = 1
		}
		newCA, err := decodeEmbeddedView(parts[1])
		if err != nil {
			return nil, nil, &SyncError{Body: string(body), Err: err}
		}
		return newDevice, newCA, nil

	default:
		var msg string
		if err := json.Unmarshal(trimmed, &msg); err != nil || msg == "" {
			msg = string(trimmed)
		}
		return nil, nil, &SyncError{Body: msg}
	}
}

// decodeEmbeddedView decodes a view sent as a JSON string. A plain object
// is accepted as well.
func decodeEmbeddedView(raw json.RawMessage) (*View, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = []byte(s)
	}
	v := &View{}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("bad view: %w", err)
	}
	v.ensureValues()
	return v, nil
}
