package sqlite

import (
	"context"
	"errors"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const (
	busyRetries  = 3
	busyBaseWait = 100 * time.Millisecond
	busyMaxWait  = time.Second

	codeBusy   = 5 // SQLITE_BUSY
	codeLocked = 6 // SQLITE_LOCKED
)

// retryBusy runs fn, retrying up to busyRetries times with exponential
// backoff when SQLite reports the database is busy or locked. Inside a
// transaction fn runs once; a failed transaction must roll back, not
// retry individual statements.
func (s *Store) retryBusy(ctx context.Context, fn func() error) error {
	if s.tx != nil {
		return fn()
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) || attempt >= busyRetries {
			return err
		}
		wait := busyBaseWait << attempt
		if wait > busyMaxWait {
			wait = busyMaxWait
		}
		s.logger.Warn("sqlite: database busy, retrying", "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func isBusy(err error) bool {
	var se *sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	// Mask to the primary code; extended codes such as
	// SQLITE_BUSY_SNAPSHOT share the low byte.
	code := se.Code() & 0xff
	return code == codeBusy || code == codeLocked
}
