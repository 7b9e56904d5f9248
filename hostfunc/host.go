package hostfunc

import "errors"

var (
	ErrFieldIndex = errors.New("field index must be >= 0")
	ErrArrayIndex = errors.New("array index must be >= 0")

	// ErrInjectLimit is wrapped by InjectMessage errors that refuse a
	// message because an injection limit was reached.
	ErrInjectLimit = errors.New("inject limit exceeded")
)

// FieldRef identifies one scalar, or one element of a repeated field, inside
// the host's current message.
type FieldRef struct {
	Name       string
	FieldIndex int
	ArrayIndex int
}

// Validate rejects negative indices.
func (r FieldRef) Validate() error {
	if r.FieldIndex < 0 {
		return ErrFieldIndex
	}
	if r.ArrayIndex < 0 {
		return ErrArrayIndex
	}
	return nil
}

// Host is implemented by the plugin that owns a sandbox. Calls are made
// synchronously from guest code and must not re-enter the sandbox.
type Host interface {
	// ReadConfig returns the plugin configuration value for name, or Absent.
	ReadConfig(name string) Value

	// ReadMessage returns the referenced field of the current message, or
	// Absent when the field does not exist.
	ReadMessage(ref FieldRef) Value

	// InjectMessage hands a payload back to the pipeline. Errors wrapping
	// ErrInjectLimit mean a loop or count limit was reached; any other error
	// means the payload could not be turned into a message.
	InjectMessage(payload []byte, payloadType, payloadName string) error
}
