package session

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
)

var (
	// ErrTurnInProgress rejects a send while another turn is queued or running.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrEmptyInput     = errors.New("empty input")
	ErrClosed         = errors.New("session is closed")
)

type FileErrorKind int

const (
	FileIO FileErrorKind = iota
	FileTooLarge
	FileEncoding
)

func (k FileErrorKind) String() string {
	switch k {
	case FileTooLarge:
		return "too large"
	case FileEncoding:
		return "encoding"
	}
	return "io"
}

// FileError is returned for uploads that cannot be turned into a prompt.
type FileError struct {
	Kind FileErrorKind
	Name string
	Size int64
	Err  error
}

func (e *FileError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case FileTooLarge:
		return fmt.Sprintf("file %s is too large (%s, limit %s)", e.Name, humanSize(e.Size), humanSize(MaxUploadBytes))
	case FileEncoding:
		return fmt.Sprintf("file %s is not valid UTF-8", e.Name)
	}
	if e.Err != nil {
		return fmt.Sprintf("read file %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("read file %s failed", e.Name)
}

func (e *FileError) Unwrap() error { return e.Err }

// UserMessage turns an error from this package or its collaborators into
// text fit for an end user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		fe *FileError
		re *completion.RemoteError
		pe *completion.ProtocolError
		ce *completion.ChunkError
		se *chatstore.StorageError
	)
	switch {
	case errors.Is(err, ErrTurnInProgress):
		return "A reply is still being generated. Please wait for it to finish."
	case errors.Is(err, ErrEmptyInput):
		return "Please enter a message."
	case errors.Is(err, ErrClosed):
		return "The session has been closed."
	case errors.As(err, &fe):
		switch fe.Kind {
		case FileTooLarge:
			return fmt.Sprintf("The file is too large (%s). Files up to %s are supported.", humanSize(fe.Size), humanSize(MaxUploadBytes))
		case FileEncoding:
			return "The file could not be read as UTF-8 text. Please save it with UTF-8 encoding and try again."
		}
		return fmt.Sprintf("The file could not be read: %v", fe.Err)
	case errors.Is(err, chatstore.ErrConversationNotFound):
		return "That conversation no longer exists."
	case errors.As(err, &se):
		return fmt.Sprintf("Could not save (%s). The conversation continues, but this change may be lost after a restart.", se.Op)
	case errors.As(err, &re):
		return fmt.Sprintf("The service returned an error (HTTP %d): %s", re.StatusCode, re.Body)
	case errors.As(err, &ce):
		return "Part of the reply could not be decoded and was skipped."
	case errors.As(err, &pe):
		return "No usable reply was received."
	case errors.Is(err, context.Canceled):
		return "Canceled."
	}
	return fmt.Sprintf("Request failed: %v", err)
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
