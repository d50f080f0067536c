package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// JSON-RPC error codes relevant to argument validation. Providers report
// bad tool arguments as -32602 (invalid params); some also use the
// server-defined range with a "validation" message.
const (
	CodeInvalidParams = -32602
)

// MalformedError marks an inbound record that could not be decoded.
// These are logged and dropped by the reader, never surfaced to callers
// and never fatal to the stream.
type MalformedError struct {
	Raw    []byte
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed record: %s", e.Reason)
}

// ValidationError marks a tool call rejected for argument type or shape
// problems, either by the provider or by local schema validation. The
// executor retries such calls exactly once with re-inferred arguments.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

// IsValidation reports whether err represents an argument validation
// failure, from either side of the wire.
func IsValidation(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var re *RPCError
	if errors.As(err, &re) {
		if re.Code == CodeInvalidParams {
			return true
		}
		msg := strings.ToLower(re.Message)
		return strings.Contains(msg, "validation") || strings.Contains(msg, "invalid argument")
	}
	return false
}
