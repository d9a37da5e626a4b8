// Package envelope normalizes any completed HTTP exchange into a uniform
// success/error value. An Envelope is immutable once built.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shaneisley/simplerest/pkg/i18n"
)

// StatusTransportFailure marks an exchange that produced no response
const StatusTransportFailure = -1

var (
	// ErrRetriesExceeded is captured when a server error outlived the retry budget
	ErrRetriesExceeded = errors.New("retries exceeded")

	// ErrNotObject is returned by Get when the body is not a JSON object
	ErrNotObject = errors.New("envelope data is not an object")
)

// Envelope is the normalized result of one HTTP exchange
type Envelope struct {
	StatusCode   int
	Headers      http.Header
	Data         any
	Err          error
	LastResponse *Envelope

	detail string
}

// New builds an envelope and derives its localized detail
func New(texts *i18n.Texts, status int, headers http.Header, data any, err error) *Envelope {
	if headers == nil {
		headers = http.Header{}
	}
	if data == nil {
		data = map[string]any{}
	}
	env := &Envelope{
		StatusCode: status,
		Headers:    headers,
		Data:       data,
		Err:        err,
	}
	if texts != nil {
		env.detail = texts.StatusMessage(status, err)
	}
	return env
}

// FromError builds a transport-failure envelope capturing err
func FromError(texts *i18n.Texts, err error) *Envelope {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return New(texts, StatusTransportFailure, nil, nil, err)
}

// RetriesExceeded builds the error envelope returned when a server error
// persisted through every retry. The last real response is embedded.
func RetriesExceeded(texts *i18n.Texts, last *Envelope) *Envelope {
	data := map[string]any{}
	if last != nil {
		data["last_response"] = last.Dump()
	}
	env := New(texts, StatusTransportFailure, nil, data, ErrRetriesExceeded)
	env.LastResponse = last
	return env
}

// IsSuccess reports a 2xx status
func (e *Envelope) IsSuccess() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// IsTransportFailure reports that no usable response was obtained
func (e *Envelope) IsTransportFailure() bool {
	return e.StatusCode == StatusTransportFailure
}

// Detail returns the localized status message, empty on success
func (e *Envelope) Detail() string {
	return e.detail
}

// Get returns a key of an object body
func (e *Envelope) Get(key string, def any) (any, error) {
	obj, ok := e.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotObject, e.Data)
	}
	if v, ok := obj[key]; ok {
		return v, nil
	}
	return def, nil
}

// Dump returns a JSON-friendly view of the envelope
func (e *Envelope) Dump() map[string]any {
	headers := make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = strings.Join(v, ", ")
	}

	var detail any
	if e.detail != "" {
		detail = e.detail
	}

	data := e.Data
	if b, ok := data.([]byte); ok {
		data = string(b)
	}

	return map[string]any{
		"status_code": e.StatusCode,
		"headers":     headers,
		"data":        data,
		"detail":      detail,
	}
}

// MarshalJSON renders Dump
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Dump())
}

// String is a short human readable form
func (e *Envelope) String() string {
	if e.detail == "" {
		return fmt.Sprintf("status=%d", e.StatusCode)
	}
	return fmt.Sprintf("status=%d detail=%q", e.StatusCode, e.detail)
}

// As returns the body as T, typically the schema pointer given to the request
func As[T any](e *Envelope) (T, error) {
	v, ok := e.Data.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("envelope data is %T, not %T", e.Data, zero)
	}
	return v, nil
}
