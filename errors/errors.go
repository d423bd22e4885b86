package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code is the boundary error code carried by every result packet.
// Values below 100 are produced by native code; the numbering is part of the
// cross-language contract and must never change.
type Code uint8

const (
	Success Code = iota
	InvalidArgument
	StringNullError
	StringUtf8Error
	JsonSerializationFailed
	JsonDeserializationFailed
	IsolateError
	EvaluationError
	LoaderKeyNotFound
	LoaderInternalError
	TemplateEngineError
)

// Host-only codes. Never produced natively.
const (
	DisposedError Code = 100 + iota
	InitializationError
	TrapError
)

var codeNames = map[Code]string{
	Success:                   "success",
	InvalidArgument:           "invalid_argument",
	StringNullError:           "string_null_error",
	StringUtf8Error:           "string_utf8_error",
	JsonSerializationFailed:   "json_serialization_failed",
	JsonDeserializationFailed: "json_deserialization_failed",
	IsolateError:              "isolate_error",
	EvaluationError:           "evaluation_error",
	LoaderKeyNotFound:         "loader_key_not_found",
	LoaderInternalError:       "loader_internal_error",
	TemplateEngineError:       "template_engine_error",
	DisposedError:             "disposed",
	InitializationError:       "initialization_error",
	TrapError:                 "trap",
}

var codeMessages = map[Code]string{
	InvalidArgument:           "invalid argument",
	StringNullError:           "null string error",
	StringUtf8Error:           "UTF-8 encoding error",
	JsonSerializationFailed:   "JSON serialization failed",
	JsonDeserializationFailed: "JSON deserialization failed",
	IsolateError:              "expression isolate error",
	EvaluationError:           "evaluation error",
	LoaderKeyNotFound:         "decision key not found",
	LoaderInternalError:       "loader internal error",
	TemplateEngineError:       "template engine error",
	DisposedError:             "handle disposed",
	InitializationError:       "initialization failed",
	TrapError:                 "native call aborted",
}

// String returns the stable snake_case name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// Message returns a short human-readable description.
func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error (code: %d)", uint8(c))
}

// Native reports whether the code may appear in a native result packet.
func (c Code) Native() bool {
	return c <= TemplateEngineError
}

// Known reports whether the code belongs to the closed enumeration.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// ParseCode resolves a code from its stable name.
func ParseCode(name string) (Code, bool) {
	for c, n := range codeNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// MarshalText encodes the code by name.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Phase indicates where on the boundary the error was raised
type Phase string

const (
	PhaseNative     Phase = "native"      // decoded from a result packet
	PhaseHost       Phase = "host"        // raised by a host wrapper
	PhaseMarshal    Phase = "marshal"     // moving data across the boundary
	PhaseLoader     Phase = "loader"      // loader callback bridge
	PhaseCustomNode Phase = "custom_node" // custom node callback bridge
	PhaseInit       Phase = "init"        // runtime and handle construction
)

// Error is the single typed error every boundary failure is reported as.
type Error struct {
	Cause   error
	Op      string
	Details string
	Phase   Phase
	Code    Code
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(e.Code.String())

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	b.WriteString(": ")
	b.WriteString(e.Code.Message())

	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// DecodeDetails unmarshals the JSON details into v.
func (e *Error) DecodeDetails(v any) error {
	if e.Details == "" {
		return fmt.Errorf("error has no details")
	}
	return json.Unmarshal([]byte(e.Details), v)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(code Code) *Builder {
	return &Builder{
		err: Error{
			Code:  code,
			Phase: PhaseHost,
		},
	}
}

// Phase sets the phase
func (b *Builder) Phase(p Phase) *Builder {
	b.err.Phase = p
	return b
}

// Op sets the operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Details sets the details text
func (b *Builder) Details(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Details = fmt.Sprintf(msg, args...)
	} else {
		b.err.Details = msg
	}
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is matching by code.
var (
	ErrInvalidArgument           = &Error{Code: InvalidArgument}
	ErrStringNull                = &Error{Code: StringNullError}
	ErrStringUtf8                = &Error{Code: StringUtf8Error}
	ErrJsonSerializationFailed   = &Error{Code: JsonSerializationFailed}
	ErrJsonDeserializationFailed = &Error{Code: JsonDeserializationFailed}
	ErrIsolate                   = &Error{Code: IsolateError}
	ErrEvaluation                = &Error{Code: EvaluationError}
	ErrLoaderKeyNotFound         = &Error{Code: LoaderKeyNotFound}
	ErrLoaderInternal            = &Error{Code: LoaderInternalError}
	ErrTemplateEngine            = &Error{Code: TemplateEngineError}
	ErrDisposed                  = &Error{Code: DisposedError}
	ErrInitialization            = &Error{Code: InitializationError}
	ErrTrap                      = &Error{Code: TrapError}
)

// Convenience constructors

// FromPacket creates the error decoded from a non-zero result packet.
func FromPacket(op string, code Code, details string) *Error {
	return &Error{
		Phase:   PhaseNative,
		Code:    code,
		Op:      op,
		Details: details,
	}
}

// Disposed creates the host-only error for use after dispose.
func Disposed(op, handle string) *Error {
	return &Error{
		Phase:   PhaseHost,
		Code:    DisposedError,
		Op:      op,
		Details: fmt.Sprintf("%s has been disposed", handle),
	}
}

// Initialization creates a construction failure error.
func Initialization(what string, cause error) *Error {
	return &Error{
		Phase:   PhaseInit,
		Code:    InitializationError,
		Details: fmt.Sprintf("create %s", what),
		Cause:   cause,
	}
}

// Trap creates an error for a native call that aborted without a packet.
func Trap(op string, cause error) *Error {
	return &Error{
		Phase: PhaseNative,
		Code:  TrapError,
		Op:    op,
		Cause: cause,
	}
}

// InvalidInput creates an invalid argument error raised on the host side.
func InvalidInput(phase Phase, op, detail string) *Error {
	return &Error{
		Phase:   phase,
		Code:    InvalidArgument,
		Op:      op,
		Details: detail,
	}
}

// Marshal creates an error for data that could not cross the boundary.
func Marshal(code Code, op string, cause error) *Error {
	return &Error{
		Phase: PhaseMarshal,
		Code:  code,
		Op:    op,
		Cause: cause,
	}
}

// CodeOf extracts the boundary code from err, or Success when err is nil.
// Errors that are not *Error report InvalidArgument.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return InvalidArgument
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Is reports whether any error in err's chain matches target.
// Boundary errors match by code.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }
