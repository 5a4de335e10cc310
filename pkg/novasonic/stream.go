package novasonic

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
)

// ErrStreamClosed is returned by Send after the stream has been closed.
var ErrStreamClosed = errors.New("novasonic: stream closed")

// Stream is one open bidirectional connection to the model. The gateway's
// stream worker is the single owner: it is the only caller of Send and
// Receive, so implementations need not serialize those against each other.
// Close may be called from any goroutine and must be idempotent; it unblocks
// a pending Receive.
type Stream interface {
	// Send writes one framed event to the model.
	Send(ctx context.Context, ev Event) error

	// Receive blocks until the next inbound frame arrives and returns its
	// raw payload for decoding via [Decode]. It returns [io.EOF] when the
	// model closes the stream cleanly, or the transport error otherwise.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down.
	Close() error
}

// Provider opens model streams. Implementations must be safe for concurrent
// use; the gateway opens one stream per session.
type Provider interface {
	OpenStream(ctx context.Context) (Stream, error)
}

// resetMarkers are substrings of transport errors that indicate the model
// side reset or idled out the stream rather than failing hard. Matched as a
// fallback when the error does not carry a typed exception.
var resetMarkers = []string{
	"RST_STREAM",
	"closed stream",
	"Timed out waiting for input events",
}

// IsResetError reports whether err looks like a model-side stream reset or
// idle cutoff. Resets surface to the client as a session timeout; every
// other stream failure surfaces as an error.
func IsResetError(err error) bool {
	if err == nil {
		return false
	}
	var streamErr *types.ModelStreamErrorException
	if errors.As(err, &streamErr) {
		return true
	}
	var timeoutErr *types.ModelTimeoutException
	if errors.As(err, &timeoutErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "modelStreamErrorException", "modelTimeoutException":
			return true
		}
	}
	msg := err.Error()
	for _, marker := range resetMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
