package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// StatusError is a non-success HTTP response from the token endpoint or
// the broker.
type StatusError struct {
	// Op names the request that failed, e.g. "create session".
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("broker: %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("broker: %s: HTTP %d: %s", e.Op, e.StatusCode, body)
}

// ProtocolError is a broker message the client could not interpret. It is
// logged and the message is discarded; the session continues.
type ProtocolError struct {
	MessageType string
	MessageID   int64
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker: unsupported message %d of type %q", e.MessageID, e.MessageType)
	}
	return fmt.Sprintf("broker: message %d of type %q: %v", e.MessageID, e.MessageType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuth reports whether err is a 401 or 403 response.
func IsAuth(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// IsConflict reports whether err is a 409 response, which the broker
// returns when the agent already has a session elsewhere.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}

// IsTransient reports whether err is worth retrying without surfacing it:
// network failures, rate limiting and server errors.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode == http.StatusRequestTimeout ||
			se.StatusCode >= 500
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// readBody returns at most 4 KiB of an error response body.
func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return string(b)
}

// drain discards the rest of a response body so the connection can be
// reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
