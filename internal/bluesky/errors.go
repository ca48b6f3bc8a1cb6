package bluesky

import (
	"errors"
	"fmt"

	"github.com/blackmichael/statusphere/internal/domain"
)

// APIError is a non-2xx XRPC response.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Name != "" && e.Message != "" {
		return fmt.Sprintf("API request failed (HTTP %d): %s: %s", e.StatusCode, e.Name, e.Message)
	} else if e.Name != "" {
		return fmt.Sprintf("API request failed (HTTP %d): %s", e.StatusCode, e.Name)
	}
	return fmt.Sprintf("API request failed (HTTP %d)", e.StatusCode)
}

type errorBody struct {
	Name    string `json:"error"`
	Message string `json:"message,omitempty"`
}

// IsAuthError reports whether err means the credentials or tokens were
// rejected.
func IsAuthError(err error) bool {
	return classify(err) == domain.RemoteUnauthorized
}

func classify(err error) domain.RemoteErrorKind {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return domain.RemoteTransient
	}

	switch apiErr.Name {
	case "ExpiredToken", "InvalidToken", "AuthRequired", "AuthenticationRequired", "AccountTakedown":
		return domain.RemoteUnauthorized
	}
	switch apiErr.StatusCode {
	case 401, 403:
		return domain.RemoteUnauthorized
	case 400, 404, 413:
		return domain.RemoteInvalid
	}
	return domain.RemoteTransient
}

func remoteError(op string, err error) error {
	return &domain.RemoteWriteError{Kind: classify(err), Op: op, Err: err}
}
