package services

import (
	"context"
	"errors"

	"petition-rewards/storage"

	log "github.com/sirupsen/logrus"
)

const maxConflictRetries = 3

// withRetry reruns fn while the store reports a concurrent update conflict.
func withRetry[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		result, err = fn()
		if !errors.Is(err, storage.ErrConflict) {
			return result, err
		}
		log.WithFields(log.Fields{"op": op, "attempt": attempt}).Warn("[STORE] Concurrent update, retrying")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
	}
	return result, err
}
