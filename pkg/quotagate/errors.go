package quotagate

import "errors"

var (
	// ErrQuotaExceeded is returned when a non-premium user is at the free
	// request limit
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRecordNotFound is returned when no quota record exists for a user
	ErrRecordNotFound = errors.New("quota record not found")

	// ErrCustomerNotFound is returned when a webhook event references a
	// customer id no record is linked to
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrCustomerConflict is returned when an attempt is made to overwrite
	// an already-set customer id with a different value
	ErrCustomerConflict = errors.New("customer id already set to a different value")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)
