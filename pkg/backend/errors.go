package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var errNoEndpoint = errors.New("no backend endpoint configured")

type ErrorKind string

const (
	// ErrorKindAbort is a cancellation requested by the caller.
	ErrorKindAbort ErrorKind = "abort"
	// ErrorKindConnection is a transport failure before any response.
	ErrorKindConnection ErrorKind = "connection"
	// ErrorKindHTTP is a non-success upstream status.
	ErrorKindHTTP ErrorKind = "http"
	// ErrorKindParse is a malformed preamble or body.
	ErrorKindParse ErrorKind = "parse"
)

// Error is a categorized backend failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == ErrorKindHTTP && e.Err == nil:
		return fmt.Sprintf("backend http error: status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("backend %s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("backend %s error", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewAbortError(err error) *Error {
	return &Error{Kind: ErrorKindAbort, Err: err}
}

func NewConnectionError(err error) *Error {
	return &Error{Kind: ErrorKindConnection, Err: err}
}

func NewHTTPError(statusCode int, body string) *Error {
	return &Error{Kind: ErrorKindHTTP, StatusCode: statusCode, Body: body}
}

func NewParseError(err error) *Error {
	return &Error{Kind: ErrorKindParse, Err: err}
}

// KindOf categorizes err. Context cancellation counts as abort, anything
// uncategorized as a connection failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindAbort
	}
	return ErrorKindConnection
}

func IsAbort(err error) bool {
	return KindOf(err) == ErrorKindAbort
}

const maxExplainedBody = 200

// Explain turns a backend failure into text shown to the user in place of the
// answer. Known HTTP failures get specific guidance.
func Explain(err error) string {
	if err == nil {
		return ""
	}
	var be *Error
	if !errors.As(err, &be) {
		if errors.Is(err, context.Canceled) {
			return "Generation stopped."
		}
		return fmt.Sprintf("Could not reach the model backend: %v", err)
	}

	switch be.Kind {
	case ErrorKindAbort:
		return "Generation stopped."
	case ErrorKindConnection:
		return fmt.Sprintf("Could not reach the model backend: %v", be.Err)
	case ErrorKindParse:
		return fmt.Sprintf("The model response could not be read: %v", be.Err)
	case ErrorKindHTTP:
		return explainHTTP(be)
	}
	return be.Error()
}

func explainHTTP(be *Error) string {
	body := strings.ToLower(be.Body)
	switch {
	case be.StatusCode == http.StatusTooManyRequests:
		return "The model backend is rate limiting requests (429). Wait a moment and try again."
	case be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("The model backend rejected the credentials (%d). Check the API key in your settings.", be.StatusCode)
	case be.StatusCode == http.StatusRequestEntityTooLarge ||
		strings.Contains(body, "context_length") ||
		strings.Contains(body, "context length") ||
		strings.Contains(body, "maximum context"):
		return "The conversation is too long for this model. Remove some messages or choose a model with a larger context window."
	case be.StatusCode >= 500:
		return fmt.Sprintf("The model backend is unavailable or overloaded (%d). Try again later.", be.StatusCode)
	}
	snippet := strings.TrimSpace(be.Body)
	if len(snippet) > maxExplainedBody {
		cut := maxExplainedBody
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut] + "..."
	}
	if snippet == "" {
		return fmt.Sprintf("The model backend returned an error (%d).", be.StatusCode)
	}
	return fmt.Sprintf("The model backend returned an error (%d): %s", be.StatusCode, snippet)
}
