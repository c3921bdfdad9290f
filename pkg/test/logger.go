package test

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
)

type testingWriter struct {
	t testing.TB
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewTestingLogger returns a logfmt logger writing to the log of t. Nothing
// may be logged once the test has completed.
func NewTestingLogger(t testing.TB) log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(testingWriter{t: t}))
}
