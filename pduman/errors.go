package pduman

import "errors"

var (
	// ErrReadOnly is returned for outlet commands on a device without
	// write credentials.
	ErrReadOnly = errors.New("device is read-only: no write credentials configured")

	// ErrDeviceNotFound is returned when no device has the requested name.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidOutlet is returned for a malformed unit or outlet index.
	ErrInvalidOutlet = errors.New("invalid outlet")
)
