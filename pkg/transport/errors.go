package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	// ErrBreakerOpen is returned when a call is short-circuited by an open
	// (or busy half-open) circuit breaker. No network attempt was made.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// SourceError is a classified failure of an outbound call.
type SourceError struct {
	Kind        Kind
	Destination string
	StatusCode  int
	RetryAfter  time.Duration
	Err         error
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s error from %s", e.Kind, e.Destination)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func Transient(destination string, err error) *SourceError {
	return &SourceError{Kind: KindTransient, Destination: destination, Err: err}
}

func Permanent(destination string, err error) *SourceError {
	return &SourceError{Kind: KindPermanent, Destination: destination, Err: err}
}

// StatusError classifies a non-2xx HTTP response. 5xx and 429 are transient,
// every other status is permanent.
func StatusError(destination string, code int, retryAfter time.Duration) *SourceError {
	kind := KindPermanent
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		kind = KindTransient
	}
	return &SourceError{
		Kind:        kind,
		Destination: destination,
		StatusCode:  code,
		RetryAfter:  retryAfter,
		Err:         errors.New(http.StatusText(code)),
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.Kind == KindPermanent
}

// Classify returns a coarse label for err suitable for reports and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case IsPermanent(err):
		return string(KindPermanent)
	case IsTransient(err):
		return string(KindTransient)
	default:
		return "unknown"
	}
}

// normalize turns an unclassified attempt error into a SourceError when the
// cause is recognizably a network or timeout failure.
func normalize(destination string, err error) error {
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	if IsTransient(err) {
		return Transient(destination, err)
	}
	return err
}
