package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger writing to stdout, or nowhere when the test
// runs in short mode.
func TestLogger(t *testing.T) *log.Logger {
	var out io.Writer = os.Stdout
	if testing.Short() {
		out = io.Discard
	}

	logger := log.New(out, "[test] ", log.LstdFlags|log.Lmsgprefix)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}

// SigningKey is a fixed HMAC key for tests that issue tokens.
func SigningKey() []byte {
	return []byte("roomsync-test-signing-key-32byte")
}
