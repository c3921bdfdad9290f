package stream

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrFraming is returned when the declared page size or value count does
	// not match what was actually consumed.
	ErrFraming = errors.New("framing error")
	// ErrVarIntOverflow is returned for a variable-length integer without a
	// terminating byte.
	ErrVarIntOverflow = errors.New("varint overflow")
	// ErrDecompression is returned when the decompression engine rejects a
	// page or produces the wrong amount of data.
	ErrDecompression = errors.New("decompression fault")
	// ErrUnsupported is returned for column layouts the decoder does not
	// handle, such as dictionary pages or nested columns.
	ErrUnsupported = errors.New("unsupported")
)

// ErrorKind returns the metric label for err.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrVarIntOverflow):
		return "varint_overflow"
	case errors.Is(err, ErrDecompression):
		return "decompression"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
