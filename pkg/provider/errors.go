// Package provider holds what the provider sub-packages share.
package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError reports a non-success HTTP response from a provider backend.
// Retry policies inspect StatusCode to tell transient server failures from
// permanent request errors.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// CheckResponse returns a *StatusError when resp is not a 2xx response. Up to
// 512 bytes of the body are kept for the message.
func CheckResponse(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Provider:   name,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
