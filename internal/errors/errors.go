package errors

import (
	"errors"
	"fmt"
)

// Connection errors.
var (
	ErrNoAddresses         = errors.New("server record has no candidate addresses")
	ErrUnavailable         = errors.New("server unavailable")
	ErrVersionIncompatible = errors.New("server version outside supported range")
	ErrNotSignedIn         = errors.New("session is not signed in")
)

// Sync errors.
var (
	ErrSyncInProgress = errors.New("sync already in progress")
)

// HTTPError is a request failure where the server responded with a status
// of 400 or above. Its presence in an error chain is what separates
// server-side rejections from transport failures: only the latter are
// eligible for address failover.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("server returned status %d", e.Status)
}

// IsHTTP reports whether err carries an HTTP status, meaning the request
// reached a server and was rejected there.
func IsHTTP(err error) bool {
	var he *HTTPError
	return errors.As(err, &he)
}

// StatusOf returns the HTTP status carried by err, or 0 for transport
// failures.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}
