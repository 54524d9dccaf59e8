package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
)

var (
	// ErrTimeout indicates the provider did not answer in time.
	ErrTimeout = errors.New("request timed out")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrAuthFailed indicates the provider rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNetwork indicates the provider could not be reached.
	ErrNetwork = errors.New("network failure")

	// ErrEmptyResponse indicates a successful call that produced no text.
	ErrEmptyResponse = errors.New("empty response")
)

// Normalize maps provider SDK errors onto the package sentinels so callers can
// classify them with errors.Is. Unrecognised errors are returned unchanged.
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var oaiAPIErr *openai.APIError
	if errors.As(err, &oaiAPIErr) {
		return fromStatus(oaiAPIErr.HTTPStatusCode, err)
	}

	var oaiReqErr *openai.RequestError
	if errors.As(err, &oaiReqErr) {
		return fromStatus(oaiReqErr.HTTPStatusCode, err)
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return fromStatus(anthropicErr.StatusCode, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	return err
}

func fromStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	default:
		return err
	}
}
