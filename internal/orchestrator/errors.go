package orchestrator

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/capitalize-ai/chat-assistant/internal/llm"
)

var (
	// ErrInFlight is returned when another pipeline is already running.
	ErrInFlight = errors.New("a response is already being generated")

	// ErrEmptyMessage is returned when the submitted text is blank.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNothingToRegenerate is returned when there is no assistant reply to replace.
	ErrNothingToRegenerate = errors.New("no assistant message to regenerate")

	// ErrNotOwner is returned when a conversation is not in the caller's list.
	ErrNotOwner = errors.New("conversation does not belong to caller")
)

// ErrorKind is the user-facing category of a failed completion.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindRateLimited    ErrorKind = "rate_limited"
	KindAuthFailure    ErrorKind = "auth_failure"
	KindNetworkFailure ErrorKind = "network_failure"
	KindEmptyResponse  ErrorKind = "empty_response"
	KindUnknown        ErrorKind = "unknown"
)

// TimeoutMessage is shown when a completion does not settle in time.
const TimeoutMessage = "The request took too long. Please try again."

var kindMessages = map[ErrorKind]string{
	KindTimeout:        TimeoutMessage,
	KindRateLimited:    "Too many requests right now. Please wait a moment and try again.",
	KindAuthFailure:    "The AI provider rejected our credentials. Please sign in again or contact support.",
	KindNetworkFailure: "Could not reach the AI provider. Check your connection and try again.",
	KindEmptyResponse:  "The AI returned an empty response. Please try again.",
	KindUnknown:        "Something went wrong while generating a response. Please try again.",
}

// Message returns the assistant text shown for this kind of failure.
func (k ErrorKind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindUnknown]
}

// Classify maps a completion failure onto the error taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, llm.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, llm.ErrAuthFailed):
		return KindAuthFailure
	case errors.Is(err, llm.ErrNetwork):
		return KindNetworkFailure
	case errors.Is(err, llm.ErrEmptyResponse):
		return KindEmptyResponse
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetworkFailure
	}

	return classifyText(strings.ToLower(err.Error()))
}

func classifyText(msg string) ErrorKind {
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline"):
		return KindTimeout
	case containsAny(msg, "429", "rate limit", "too many requests"):
		return KindRateLimited
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "api key"):
		return KindAuthFailure
	case containsAny(msg, "connection refused", "connection reset", "no such host", "network", "eof"):
		return KindNetworkFailure
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
