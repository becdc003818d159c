package state

import (
	"errors"

	"github.com/lib/pq"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// pq error codes that indicate the transaction failed only because of
// contention, not because the statement was wrong: serialization failure
// and deadlock detected. The dispatch loop retries these (§7); every other
// database error is treated as terminal.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// classify maps a raw database error to a shepherdapi.Kind, wrapping
// contention errors as KindTransientStore so callers can retry them with
// backoff (§7) and wrapping everything else as KindConfiguration.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected:
			return shepherdapi.Wrap(shepherdapi.KindTransientStore, err, format, args...)
		}
	}

	return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, format, args...)
}
