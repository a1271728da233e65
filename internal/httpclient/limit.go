package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ResponseTooLargeError reports a body larger than the caller's cap. The
// endpoints this package talks to return small JSON payloads; an oversized
// body means a broken upstream, and erroring beats truncating it into a
// payload that parses to something else.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body larger than %d byte cap", e.Limit)
}

// IsResponseTooLarge reports whether err is a body cap violation.
func IsResponseTooLarge(err error) bool {
	var tooLarge ResponseTooLargeError
	return errors.As(err, &tooLarge)
}

// ReadAllWithLimit reads at most limit bytes and errors when the body has
// more. A limit of zero or less reads without a cap.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	var buf bytes.Buffer
	// Copy one byte past the cap: reaching limit+1 proves the body is over
	// it without reading the rest.
	n, err := io.CopyN(&buf, r, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return buf.Bytes(), nil
}
