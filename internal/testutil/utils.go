package testutil

import (
	"io"
	"log"
	"os"
	"testing"
	"time"
)

// TestLogger returns a logger that only writes when the test is run with -v.
func TestLogger(t *testing.T) *log.Logger {
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stdout
	}
	logger := log.New(out, "[test] ", log.LstdFlags|log.Lmsgprefix)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
