package completion

import (
	"fmt"
)

// RemoteError is returned when the endpoint answers with a non-2xx status.
// Body holds the (possibly truncated) response body verbatim.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("completion: remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("completion: remote returned status %d: %s", e.StatusCode, e.Body)
}

// ProtocolError means the response did not carry a usable reply.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("completion: unexpected response: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("completion: unexpected response: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ChunkError reports one stream line that could not be decoded. The stream
// keeps going after it.
type ChunkError struct {
	Line string
	Err  error
}

func (e *ChunkError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("completion: bad stream chunk %q: %v", truncateForError(e.Line), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

func truncateForError(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
