// Package envelope wraps every domain payload in the response shape the
// presentation layer consumes.
package envelope

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Status of a response.
type Status string

const (
	StatusOK          Status = "ok"
	StatusStale       Status = "stale"
	StatusUnavailable Status = "unavailable"
)

// Envelope is the response body for every data route.
//
// Data is non-nil exactly when Status is ok or stale, Stale is true exactly
// when Status is stale and LastSuccessAt is set whenever Data is.
type Envelope[T any] struct {
	Data          *T         `json:"data"`
	Status        Status     `json:"status"`
	Stale         bool       `json:"stale"`
	LastSuccessAt *time.Time `json:"lastSuccessAt"`
	Source        string     `json:"source"`
	Message       string     `json:"message,omitempty"`
}

// OK wraps a freshly obtained value.
func OK[T any](data T, at time.Time, source string) Envelope[T] {
	at = at.UTC()
	return Envelope[T]{Data: &data, Status: StatusOK, LastSuccessAt: &at, Source: source}
}

// Stale wraps a value served past its fresh window.
func Stale[T any](data T, at time.Time, source, msg string) Envelope[T] {
	at = at.UTC()
	return Envelope[T]{Data: &data, Status: StatusStale, Stale: true, LastSuccessAt: &at, Source: source, Message: msg}
}

// Unavailable reports that no value could be produced.
func Unavailable[T any](source, msg string) Envelope[T] {
	return Envelope[T]{Status: StatusUnavailable, Source: source, Message: msg}
}

// HTTPStatus maps the envelope status to a response code.
func (e Envelope[T]) HTTPStatus() int {
	if e.Status == StatusUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Valid reports whether the envelope satisfies its field invariants.
func (e Envelope[T]) Valid() bool {
	switch e.Status {
	case StatusOK:
		return e.Data != nil && !e.Stale && e.LastSuccessAt != nil
	case StatusStale:
		return e.Data != nil && e.Stale && e.LastSuccessAt != nil
	case StatusUnavailable:
		return e.Data == nil && !e.Stale
	default:
		return false
	}
}

// CacheControl describes the shared-cache policy for a data route.
type CacheControl struct {
	MaxAge               time.Duration
	StaleWhileRevalidate time.Duration
}

// Header renders the Cache-Control value.
func (c CacheControl) Header() string {
	if c.MaxAge <= 0 {
		return "no-store"
	}
	return fmt.Sprintf("public, s-maxage=%d, stale-while-revalidate=%d",
		int(c.MaxAge.Seconds()), int(c.StaleWhileRevalidate.Seconds()))
}

// Write encodes env as JSON. Unavailable responses are never cached. A
// payload that cannot be encoded is answered with an uncached 500.
// StatusHeader carries the envelope status so middleware can label
// responses without decoding the body.
const StatusHeader = "X-Data-Status"

func Write[T any](w http.ResponseWriter, env Envelope[T], cc CacheControl) {
	body, err := json.Marshal(env)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"response could not be encoded"}` + "\n"))
		return
	}
	if env.Status == StatusUnavailable {
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("Cache-Control", cc.Header())
	}
	w.Header().Set(StatusHeader, string(env.Status))
	w.WriteHeader(env.HTTPStatus())
	_, _ = w.Write(append(body, '\n'))
}

// Map transforms the payload, keeping status, timestamps and source.
func Map[T, U any](e Envelope[T], f func(T) U) Envelope[U] {
	out := Envelope[U]{
		Status:        e.Status,
		Stale:         e.Stale,
		LastSuccessAt: e.LastSuccessAt,
		Source:        e.Source,
		Message:       e.Message,
	}
	if e.Data != nil {
		v := f(*e.Data)
		out.Data = &v
	}
	return out
}
