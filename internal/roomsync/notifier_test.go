package roomsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"testing"

	"github.com/npezzotti/go-uzzap/internal/database"
	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tcases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "invalid", err: fmt.Errorf("create room: %w", ErrInvalid), want: KindInvalid},
		{name: "not found", err: fmt.Errorf("get room: %w", database.ErrNotFound), want: KindNotFound},
		{name: "api error", err: &database.ApiError{StatusCode: 403, Message: "denied", Err: database.ErrForbidden}, want: KindPermissionDenied},
		{name: "unauthorized", err: database.ErrUnauthorized, want: KindPermissionDenied},
		{name: "network", err: fmt.Errorf("do request: %w", database.ErrNetwork), want: KindNetwork},
		{name: "join timeout", err: fmt.Errorf("subscribe: %w", realtime.ErrJoinTimeout), want: KindNetwork},
		{name: "not connected", err: realtime.ErrNotConnected, want: KindNetwork},
		{name: "deadline", err: context.DeadlineExceeded, want: KindNetwork},
		{name: "other", err: errors.New("boom"), want: KindUnknown},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Log: log.New(&buf, "", 0)}

	n.Notify(info("Success", "Chat room created successfully!"))
	n.Notify(failure("Failed to load messages", database.ErrNetwork))

	assert.Equal(t, "Success: Chat room created successfully!\n"+
		"Error: Failed to load messages (network: network unavailable)\n", buf.String())
}

func TestNotifierFunc(t *testing.T) {
	var got Notification
	var n Notifier = NotifierFunc(func(note Notification) { got = note })
	n.Notify(info("No results", "No users found matching your search."))
	assert.Equal(t, "No results", got.Title)
}
