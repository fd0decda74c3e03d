package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bastion/core/logger"
)

// ErrorKind classifies every failure the core reports to a caller
type ErrorKind string

// all error kinds
const (
	KindUnauthenticated   ErrorKind = "unauthenticated"
	KindInvalidCredential ErrorKind = "invalid_credential"
	KindTokenExpired      ErrorKind = "token_expired"
	KindTokenInvalid      ErrorKind = "token_invalid"
	KindForbidden         ErrorKind = "forbidden"
	KindValidation        ErrorKind = "validation_error"
	KindMissingParameter  ErrorKind = "missing_parameter"
	KindTypeMismatch      ErrorKind = "type_mismatch"
	KindDisabled          ErrorKind = "disabled"
	KindNotFound          ErrorKind = "not_found"
	KindStorage           ErrorKind = "storage_error"
)

// Sentinels for errors.Is. An *Error matches a sentinel of the same kind.
var (
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrInvalidCredential = &Error{Kind: KindInvalidCredential}
	ErrTokenExpired      = &Error{Kind: KindTokenExpired}
	ErrTokenInvalid      = &Error{Kind: KindTokenInvalid}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrMissingParameter  = &Error{Kind: KindMissingParameter}
	ErrTypeMismatch      = &Error{Kind: KindTypeMismatch}
	ErrDisabled          = &Error{Kind: KindDisabled}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrStorage           = &Error{Kind: KindStorage}
)

// Error is a typed failure. Params names the offending parameters, if any.
type Error struct {
	Kind    ErrorKind
	Message string
	Params  []string
	Err     error
}

// Errorf creates a new error of the given kind
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StorageErr wraps a failure of a backing store
func StorageErr(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithParams returns a copy of e naming the offending parameters
func (e *Error) WithParams(params ...string) *Error {
	c := *e
	c.Params = append([]string{}, params...)
	return &c
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Params) > 0 {
		msg += " [" + strings.Join(e.Params, ", ") + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err. Errors that are not typed count as storage errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// HTTPStatus maps an error kind to the status code returned to clients
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated, KindInvalidCredential, KindTokenExpired, KindTokenInvalid:
		return http.StatusUnauthorized
	case KindForbidden, KindDisabled:
		return http.StatusForbidden
	case KindValidation, KindMissingParameter, KindTypeMismatch:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error      ErrorKind `json:"error"`
	Message    string    `json:"message,omitempty"`
	Parameters []string  `json:"parameters,omitempty"`
}

// WriteError writes err as a JSON error response. Storage errors are logged
// with full detail and the client only gets the request id.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	rlog := logger.FromContext(r.Context())
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindStorage, Err: err}
	}
	response := errorResponse{Error: e.Kind, Message: e.Message, Parameters: e.Params}
	status := e.Kind.HTTPStatus()
	if status == http.StatusInternalServerError {
		rlog.WithError(err).Errorf("Error %s %s", r.Method, r.URL.Path)
		response.Error = KindStorage
		response.Message = "internal error, request " + logger.RequestIDFromContext(r.Context())
		response.Parameters = nil
	} else {
		rlog.Debugf("%s %s rejected: %s", r.Method, r.URL.Path, err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bastion"`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	body, _ := json.Marshal(response)
	w.Write(body)
}

// WriteJSON writes v as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Error 4731", http.StatusInternalServerError)
		logger.Default().WithError(err).Error("Error 4731: cannot marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}
