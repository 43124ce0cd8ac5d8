package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

// Retry replays the session's last failed user message. It returns a nil
// Turn and a nil error when there is nothing to retry or a turn is
// already in flight, so calling it twice is safe.
//
// The failed attempt is rolled back first: the trailing error turns and
// the user turn that caused them are removed before the message is sent
// again, leaving the log as if the failed attempt never happened.
func (c *Coordinator) Retry(ctx context.Context, id string) (*Turn, error) {
	t, err := c.startTurn(ctx, id, "", true)
	switch {
	case domain.IsKind(err, domain.ErrorKindSessionBusy):
		c.logger.Debug("retry skipped, turn in flight", slog.String("session_id", id))
		return nil, nil
	case errors.Is(err, errNothingToRetry):
		c.logger.Debug("retry skipped, nothing to replay", slog.String("session_id", id))
		return nil, nil
	}
	return t, err
}

// RollbackFailedAttempt strips the trailing assistant error turns and the
// user turn that triggered them. A log that does not end in an error turn
// is returned unchanged.
func RollbackFailedAttempt(turns []domain.Turn) []domain.Turn {
	n := len(turns)
	for n > 0 && turns[n-1].IsError() {
		n--
	}
	if n == len(turns) {
		return turns
	}
	if n > 0 && turns[n-1].Role == domain.RoleUser {
		n--
	}
	return turns[:n]
}
