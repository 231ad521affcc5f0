// Package pipeline implements spec.md §4.9: the per-channel worker that
// pulls from the HLS Client, through the Converter and Buffer, to the
// Sender, with the Created → Starting → Running → Stopping → Stopped state
// machine (plus the Failed terminal basin). Lifecycle plumbing is grounded
// on the teacher's internal/supervisor.Run: context cancellation and a
// sync.WaitGroup joined on stop, adapted from OS-subprocess supervision to
// in-process goroutine pipelines. The only restart is a single attempt to
// reinitialize a stopped Sender per run.
package pipeline

import "errors"

// Kind classifies a pipeline failure per spec.md §7's error-kind taxonomy,
// letting the Stream Manager decide Failed vs. a local retry without
// inspecting error strings.
type Kind int

const (
	// KindUnknown covers anything not otherwise classified.
	KindUnknown Kind = iota
	// KindUnsupportedSource: the HLS URL is VOD, not MPEG-TS, or has no
	// usable variant. Terminal for the pipeline.
	KindUnsupportedSource
	// KindSenderInit: socket creation, interface resolution, or multicast
	// option failure. Terminal for the pipeline.
	KindSenderInit
	// KindTransientNetwork: DNS/connect/read failures, retried internally;
	// surfaced here only once retry is exhausted (fatal ingest).
	KindTransientNetwork
)

// Error wraps an underlying cause with a Kind so the Stream Manager can
// branch with errors.As instead of string matching.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	return e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, else returns KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
