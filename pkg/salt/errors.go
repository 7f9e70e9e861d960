package salt

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrConnection         = errors.New("salt-api connection error")
	ErrAuthentication     = errors.New("salt-api authentication error")
	ErrReturnParse        = errors.New("unable to parse salt return")
	ErrSLSRendering       = errors.New("sls rendering failed")
	ErrInvalidStateReturn = errors.New("invalid state return")
)

// maxBodyInError bounds how much of a response body is echoed into errors.
const maxBodyInError = 512

// ConnectionError is a transport failure after the retry budget ran out, or a
// read timeout.
type ConnectionError struct {
	URL string
	Msg string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Msg, e.URL)
	}
	return fmt.Sprintf("%s (%s): %v", e.Msg, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// AuthenticationError reports a rejected login or a login response without a
// usable token.
type AuthenticationError struct {
	URL        string
	StatusCode int
	// ServiceDown is set on 503, which salt-api returns when the master is not running
	ServiceDown bool
	Msg         string
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("%s (%s, status %d)", e.Msg, e.URL, e.StatusCode)
	if e.ServiceDown {
		msg += ": ensure that the salt-master service is running"
	}
	return msg
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// ReturnParseError reports a response body that is not JSON, or a return
// object that cannot be interpreted.
type ReturnParseError struct {
	StatusCode int
	Body       string
	Msg        string
	Err        error
}

func newReturnParseError(msg string, statusCode int, body []byte, err error) *ReturnParseError {
	return &ReturnParseError{
		StatusCode: statusCode,
		Body:       truncate(string(body), maxBodyInError),
		Msg:        msg,
		Err:        err,
	}
}

// NewReturnParseError builds a ReturnParseError for a return object that was
// already decoded.
func NewReturnParseError(msg string, err error) *ReturnParseError {
	return &ReturnParseError{Msg: msg, Err: err}
}

func (e *ReturnParseError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(". Returned code: %d. Returned content: %s", e.StatusCode, e.Body)
	}
	return msg
}

func (e *ReturnParseError) Unwrap() error { return e.Err }

func (e *ReturnParseError) Is(target error) bool { return target == ErrReturnParse }

// SLSRenderingError is raised when a minion reports a template rendering
// failure instead of state results.
type SLSRenderingError struct {
	Minion  string
	Message string
}

func (e *SLSRenderingError) Error() string {
	return fmt.Sprintf("minion: `%s`. Error: %s", e.Minion, e.Message)
}

func (e *SLSRenderingError) Is(target error) bool {
	return target == ErrSLSRendering || target == ErrReturnParse
}

// InvalidStateReturnError means the object handed to a parser is not a state
// run result at all.
type InvalidStateReturnError struct {
	Minion string
	Msg    string
}

func (e *InvalidStateReturnError) Error() string {
	if e.Minion == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s (minion `%s`)", e.Msg, e.Minion)
}

func (e *InvalidStateReturnError) Is(target error) bool {
	return target == ErrInvalidStateReturn || target == ErrReturnParse
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
