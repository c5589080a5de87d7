package client

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrServerNotFound = errors.New("server not found")

// APIError is a non-2xx response from a remote API.
type APIError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Body)
}

// Is makes a 404 match ErrServerNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrServerNotFound && e.StatusCode == http.StatusNotFound
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// truncate keeps log lines readable when a server returns a large body.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
