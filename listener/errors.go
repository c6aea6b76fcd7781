package listener

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// MissingFieldError reports an inbound request missing a field the protocol
// requires (method or URL). It is detected before the handler is invoked and
// is terminal for that request.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing request field: %s", e.Field)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// errorEnvelope is the wire shape of a development-mode failure response:
// {"errors":[{"message":..., "stack":...}]}. For panics with non-error
// values the raw value is serialized in place of the message/stack object.
type errorEnvelope struct {
	Errors []any `json:"errors"`
}

type errorEntry struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// marshalFault serializes a caught fault into the development error
// envelope. Error values carry their message plus a stack: pkg/errors
// stacks render through %+v, anything else falls back to the stack captured
// at the recovery point.
func marshalFault(fault any, recoveredStack []byte) []byte {
	var entry any

	switch v := fault.(type) {
	case error:
		stack := ""
		if _, ok := v.(stackTracer); ok {
			stack = fmt.Sprintf("%+v", v)
		} else if _, ok := errors.Cause(v).(stackTracer); ok {
			stack = fmt.Sprintf("%+v", v)
		} else if len(recoveredStack) > 0 {
			stack = string(recoveredStack)
		}
		entry = errorEntry{Message: v.Error(), Stack: stack}
	default:
		// non-error panic value: serialize it as-is
		entry = v
	}

	data, err := json.Marshal(errorEnvelope{Errors: []any{entry}})
	if err != nil {
		// the fault value itself is unmarshalable; degrade to its print form
		data, _ = json.Marshal(errorEnvelope{Errors: []any{
			errorEntry{Message: fmt.Sprint(fault), Stack: string(recoveredStack)},
		}})
	}
	return data
}
