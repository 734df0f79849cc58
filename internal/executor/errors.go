package executor

// Kind classifies an execution outcome.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindCompileError        Kind = "compile_error"
	KindRuntimeError        Kind = "runtime_error"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal_error"
)

// Error is returned by Execute for requests rejected before anything runs.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches on Kind so callers can use errors.Is(err, ErrUnsupportedLanguage).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest, Message: "Code and language required"}
	ErrUnsupportedLanguage = &Error{Kind: KindUnsupportedLanguage, Message: "Unsupported language"}
)
