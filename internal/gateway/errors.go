package gateway

import "errors"

// Dispatcher failures. Handlers wrap these with detail, so classify with
// errors.Is rather than equality.
var (
	ErrContextNotFound = errors.New("context not found")
	ErrUnknownMethod   = errors.New("unknown method")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrUnknownResource = errors.New("unknown resource")
	ErrInvalidParams   = errors.New("invalid params")
	ErrExternal        = errors.New("external capability failed")
)

// Status labels returned by Classify.
const (
	StatusOK              = "ok"
	StatusContextNotFound = "context_not_found"
	StatusUnknownMethod   = "unknown_method"
	StatusUnknownTool     = "unknown_tool"
	StatusUnknownResource = "unknown_resource"
	StatusInvalidParams   = "invalid_params"
	StatusExternal        = "external_error"
	StatusInternal        = "internal_error"
)

// Classify maps an error returned by Dispatch to a short status label used
// for metrics and transport status codes. A nil error is StatusOK.
func Classify(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrContextNotFound):
		return StatusContextNotFound
	case errors.Is(err, ErrUnknownMethod):
		return StatusUnknownMethod
	case errors.Is(err, ErrUnknownTool):
		return StatusUnknownTool
	case errors.Is(err, ErrUnknownResource):
		return StatusUnknownResource
	case errors.Is(err, ErrInvalidParams):
		return StatusInvalidParams
	case errors.Is(err, ErrExternal):
		return StatusExternal
	default:
		return StatusInternal
	}
}
