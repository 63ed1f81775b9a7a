package fetch

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is the failure taxonomy persisted in the store's error_kind
// column and surfaced through metrics.
type Kind string

const (
	KindNone       Kind = ""
	KindTransient  Kind = "transient"  // timeouts, resets, DNS, 5xx except 503
	KindThrottled  Kind = "throttled"  // HTTP 429
	KindOverloaded Kind = "overloaded" // HTTP 503
	KindAuth       Kind = "auth"       // HTTP 401/403
	KindMissing    Kind = "missing"    // HTTP 404
	KindIntegrity  Kind = "integrity"  // size or digest mismatch at finalize
	KindIO         Kind = "io"         // local disk errors
	KindFatal      Kind = "fatal"      // store corruption, disk full
)

// Classified is an error tagged with its kind and originating HTTP
// status, when one exists.
type Classified struct {
	Kind       Kind
	HTTPStatus int
	Err        error
}

func (e *Classified) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (http %d): %v", e.Kind, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// classifyDisk maps a local write error: a full disk aborts the whole
// job, anything else fails only the file.
func classifyDisk(err error) Kind {
	if errors.Is(err, syscall.ENOSPC) {
		return KindFatal
	}
	return KindIO
}
