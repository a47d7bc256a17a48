package fetcher

import (
	"errors"
	"fmt"

	"github.com/alvmarrod/wiki-harvester/internal/ratelimit"
)

// ErrorKind classifies why a fetch failed
type ErrorKind int

const (
	// KindTransport covers connection failures and timeouts
	KindTransport ErrorKind = iota
	// KindServer covers 5xx and other unexpected statuses
	KindServer
	// KindMalformed covers responses that cannot be interpreted
	KindMalformed
	// KindQuotaExhausted means the API refused the request for lack of budget
	KindQuotaExhausted
	// KindRejected covers requests the API will never accept (bad query, auth)
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindMalformed:
		return "malformed"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindRejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FetchError describes a failed batch request
type FetchError struct {
	Kind       ErrorKind
	Batch      int
	Cursor     string
	StatusCode int
	Budget     ratelimit.Budget
	Err        error
}

func (e *FetchError) Error() string {
	cursor := e.Cursor
	if cursor == "" {
		cursor = "<start>"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("batch %d after %s: %s (status %d): %v", e.Batch, cursor, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("batch %d after %s: %s: %v", e.Batch, cursor, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a wrapped FetchError
func KindOf(err error) (ErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
