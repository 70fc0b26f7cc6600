// Package device declares the transport boundary to the cartridge
// programmer hardware. All addresses are byte offsets into the
// console-visible address space; word operations act on 2-byte-aligned
// addresses.
package device

import "errors"

// ErrNotConnected is returned by implementations when an operation is
// attempted without a live link.
var ErrNotConnected = errors.New("device: not connected")

// Device is the raw word/byte bus exposed by the programmer hardware.
// One open session at a time; every call is a blocking request/response
// round trip on the caller's goroutine.
type Device interface {
	Connect() error
	Disconnect() error

	// SetDelay configures the inter-command delay applied by the
	// programmer firmware between bus cycles.
	SetDelay(val byte) error

	ReadWord(addr int64) (uint16, error)
	WriteWord(addr int64, data uint16) error

	// WriteByte writes the low byte of the word at addr. Cartridge RAM
	// is 8-bit, so this is the only write that reaches it.
	WriteByte(addr int64, data byte) error

	// ReadBytes reads length bytes starting at addr. length must be even.
	ReadBytes(addr int64, length int) ([]byte, error)
}

// WithSession runs fn with a connected device, disconnecting on every
// exit path.
func WithSession(d Device, fn func(Device) error) error {
	if err := d.Connect(); err != nil {
		return err
	}
	defer d.Disconnect()
	return fn(d)
}
