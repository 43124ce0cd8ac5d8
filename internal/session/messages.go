package session

import (
	"errors"
	"strings"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

const retryHint = " You can retry this request."

// BackendErrorMessage is the assistant turn recorded for an explicit
// backend error. The backend's message is kept verbatim.
func BackendErrorMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "The matching service reported an error."
	}
	return msg + retryHint
}

// UserMessage is the assistant turn recorded for a stream-level failure.
func UserMessage(err error) string {
	var msg string
	switch domain.KindOf(err) {
	case domain.ErrorKindConnectionLost:
		return "Lost connection to the matching service; it may still be processing your request. You can retry."
	case domain.ErrorKindBackendUnavailable:
		return "The matching service is unavailable right now." + retryHint
	case domain.ErrorKindBackendError:
		var e *domain.Error
		if errors.As(err, &e) {
			msg = e.Message
		}
		return BackendErrorMessage(msg)
	default:
		return "Something went wrong while matching trials." + retryHint
	}
}
