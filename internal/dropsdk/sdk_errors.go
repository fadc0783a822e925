package dropsdk

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
)

var (
	ErrNoServerURL      = errors.New("sdk: server url missing")
	ErrInvalidServerURL = errors.New("sdk: invalid server url")
	ErrNoFileName       = errors.New("sdk: file name missing")
	ErrNoKey            = errors.New("sdk: key missing")
	ErrInvalidGrant     = errors.New("sdk: invalid grant response")
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternalError  = "E_INTERNAL_ERROR"
	CodeAccessDenied   = "E_ACCESS_DENIED"
	CodeUnknownError   = "E_UNKNOWN_ERR"

	CodeAuthInvalidCredentials = "E_AUTH_INVALID_CREDENTIALS"

	CodeGrantInvalidName = "E_GRANT_INVALID_NAME" // file name empty or not a valid object name
	CodeGrantIssueFailed = "E_GRANT_ISSUE_FAILED" // storage backend could not presign
	CodeGrantNotFound    = "E_GRANT_NOT_FOUND"    // read grant for a key that was never stored
	CodeGrantExpired     = "E_GRANT_EXPIRED"      // transfer attempted after expiry
	CodeGrantConsumed    = "E_GRANT_CONSUMED"     // second use of a single-use grant
	CodeGrantInvalid     = "E_GRANT_INVALID"      // signature mismatch
)

// APIError is the `{code, error}` body every non-2xx api response carries
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

// GrantError means the issuance endpoint was unreachable or answered non-2xx.
// It is fatal to the attempt and never retried automatically.
type GrantError struct {
	Op     string
	Status int       // 0 when the endpoint was unreachable
	API    *APIError // decoded error body, if any
	Err    error     // transport error, if any
}

func (e *GrantError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("sdk: %s: %v", e.Op, e.Err)
	case e.API != nil:
		return fmt.Sprintf("sdk: %s: status %d: %s", e.Op, e.Status, e.API.Error())
	default:
		return fmt.Sprintf("sdk: %s: status %d", e.Op, e.Status)
	}
}

func (e *GrantError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.API != nil {
		return e.API
	}
	return nil
}

// Code returns the api error code, or a code derived from the status
func (e *GrantError) Code() string {
	if e.API != nil && e.API.Code != "" {
		return e.API.Code
	}
	switch {
	case e.Status == http.StatusTooManyRequests:
		return CodeRateLimited
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return CodeAccessDenied
	case e.Status >= 500:
		return CodeInternalError
	default:
		return CodeUnknownError
	}
}

// handleGrantError converts a req response into a *GrantError, or nil on success
func handleGrantError(resp *req.Response, requestErr error, op string) error {
	if requestErr != nil {
		gerr := &GrantError{Op: op, Err: requestErr}
		if resp != nil && resp.Response != nil {
			gerr.Status = resp.GetStatusCode()
		}
		return gerr
	}

	if resp.IsErrorState() {
		gerr := &GrantError{Op: op, Status: resp.GetStatusCode()}
		if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Code != "" {
			gerr.API = apiErr
		}
		return gerr
	}

	return nil
}
