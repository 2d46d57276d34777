package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"

	"github.com/sells-group/hallsync/internal/model"
)

// Sentinel causes raised by the extractor. Wrap them with eris to add context.
var (
	ErrBlocked  = errors.New("blocked by bot protection")
	ErrNotFound = errors.New("page not found")
	ErrParse    = errors.New("page could not be parsed")
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"net::err_",
}

// IsTransient reports whether err looks like a network hiccup worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRetryableDB reports whether a Postgres error is worth retrying: connection
// loss, serialization conflicts, admin shutdown and resource exhaustion.
func IsRetryableDB(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "40001",               // serialization failure
			pgErr.Code == "40P01",               // deadlock detected
			pgErr.Code == "57P01",               // admin shutdown
			pgErr.Code == "57P03":               // cannot connect now
			return true
		}
		return false
	}
	return IsTransient(err)
}

// Classify maps an error to the kind recorded in the failure log.
func Classify(err error) model.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrorKindTimeout
	case errors.Is(err, ErrBlocked):
		return model.ErrorKindBlocked
	case errors.Is(err, ErrNotFound):
		return model.ErrorKindNotFound
	case errors.Is(err, ErrParse):
		return model.ErrorKindParse
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return model.ErrorKindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return model.ErrorKindTimeout
	case strings.Contains(msg, "cloudflare"), strings.Contains(msg, "access denied"):
		return model.ErrorKindBlocked
	}
	if IsTransient(err) {
		return model.ErrorKindNetwork
	}
	return model.ErrorKindUnknown
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
