package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the device registry.
type Store interface {
	// Device operations, keyed by serial number.
	SaveDevice(dev *Device) error
	GetDevice(serial string) (*Device, error)
	DeleteDevice(serial string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(serial string, fn func(dev *Device) error) error

	// Session bookkeeping for the last connection.
	SaveSession(s *Session) error
	GetSession() (*Session, error)

	// Close the store
	Close() error
}
