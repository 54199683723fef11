// Package roomsync keeps the client-side state of the chat: the room
// directory, the message log of the open room and who is online. Each
// component reads from a database.Repository, listens on realtime channels
// and reports user-facing failures through a Notifier.
package roomsync

import (
	"context"
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-uzzap/internal/database"
	"github.com/npezzotti/go-uzzap/internal/realtime"
)

// ErrInvalid is returned for input rejected before any request is made.
var ErrInvalid = errors.New("invalid input")

type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindNetwork          Kind = "network"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalid          Kind = "invalid"
	KindUnknown          Kind = "unknown"
)

const titleError = "Error"

// Notification is a user-facing message raised by a component.
type Notification struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Variant     Variant `json:"variant"`
	Kind        Kind    `json:"kind,omitempty"`
	Err         error   `json:"-"`
}

type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Log *log.Logger
}

func (l LogNotifier) Notify(n Notification) {
	if n.Err != nil {
		l.Log.Printf("%s: %s (%s: %v)", n.Title, n.Description, n.Kind, n.Err)
		return
	}
	l.Log.Printf("%s: %s", n.Title, n.Description)
}

// Classify maps an error chain to the kind of failure it represents.
func Classify(err error) Kind {
	var verrs validator.ValidationErrors

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalid), errors.As(err, &verrs):
		return KindInvalid
	case errors.Is(err, database.ErrNotFound):
		return KindNotFound
	case errors.Is(err, database.ErrUnauthorized), errors.Is(err, database.ErrForbidden):
		return KindPermissionDenied
	case errors.Is(err, database.ErrNetwork),
		errors.Is(err, realtime.ErrNotConnected),
		errors.Is(err, realtime.ErrJoinTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindUnknown
	}
}

func failure(description string, err error) Notification {
	return Notification{
		Title:       titleError,
		Description: description,
		Variant:     VariantDestructive,
		Kind:        Classify(err),
		Err:         err,
	}
}

func info(title, description string) Notification {
	return Notification{Title: title, Description: description, Variant: VariantDefault}
}

// signal performs a non-blocking send on a buffered change channel so
// readers see at most one pending wake-up.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
