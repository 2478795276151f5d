package catalog

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoSnapshot is returned when an operation needs a snapshot and none exists yet.
var ErrNoSnapshot = errors.New("no snapshot available")

// FetchError reports a network failure, timeout or non-success response
// while retrieving a listing page.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry could plausibly succeed.
func (e *FetchError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// ParseError reports a listing or bootstrap page that does not have the
// expected shape.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("parse listing: %v", e.Err)
	}
	return fmt.Sprintf("parse listing %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// EmptyRangeError reports a leaf whose keys contain no date token.
type EmptyRangeError struct {
	Path []string
}

func (e *EmptyRangeError) Error() string {
	return fmt.Sprintf("no dated keys under %s", strings.Join(e.Path, "/"))
}

// PersistenceError reports a snapshot store read or write failure.
type PersistenceError struct {
	Op      string
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s snapshot (%s): %v", e.Op, e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SubscriberSendError reports a failed delivery to one subscriber.
type SubscriberSendError struct {
	SubscriberID string
	Err          error
}

func (e *SubscriberSendError) Error() string {
	return fmt.Sprintf("send to subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *SubscriberSendError) Unwrap() error {
	return e.Err
}
