// Package flashkit drives the FlashKit programmer hardware over its
// USB serial protocol. The programmer exposes the console bus as raw
// word and byte cycles: the host streams command bytes that latch an
// address, set a transfer length, and move data with optional
// auto-increment.
package flashkit

import (
	"fmt"
	"io"

	"github.com/jacobsa/go-serial/serial"

	"github.com/zperona/flashkit/device"
)

const (
	cmdAddr  byte = 0
	cmdLen   byte = 1
	cmdRead  byte = 2
	cmdWrite byte = 3
	cmdRY    byte = 4
	cmdDelay byte = 5

	parMode8  byte = 16
	parDevID  byte = 32
	parSingle byte = 64
	parInc    byte = 128

	// Largest transfer the programmer firmware accepts in one go.
	maxChunk = 65536
)

// openPort is stubbed out by tests to script the handshake.
var openPort = serial.Open

// Link is a device.Device over a FlashKit serial connection.
type Link struct {
	fd  io.ReadWriteCloser
	opt serial.OpenOptions
}

var _ device.Device = (*Link)(nil)

// New returns an unconnected link on the given port with the FlashKit
// serial defaults.
func New(port string) *Link {
	return &Link{opt: serial.OpenOptions{
		PortName:              port,
		BaudRate:              9600,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 200,
	}}
}

// NewWithOptions returns an unconnected link with explicit serial
// options.
func NewWithOptions(opt serial.OpenOptions) *Link {
	return &Link{opt: opt}
}

// Connect opens the port and performs the device-ID handshake. A valid
// programmer reports an ID whose two bytes match; the vendor driver
// then reopens the port with a longer inter-character timeout and
// clears the inter-command delay.
func (d *Link) Connect() error {
	f, err := openPort(d.opt)
	if err != nil {
		return err
	}
	d.fd = f

	id, err := d.DeviceID()
	if err != nil {
		d.fd.Close()
		d.fd = nil
		return err
	}
	if (id&0xFF) != (id>>8) || id == 0 {
		d.fd.Close()
		d.fd = nil
		return fmt.Errorf("flashkit: unknown device ID %d", id)
	}

	d.fd.Close()
	d.opt.InterCharacterTimeout = 2000
	f, err = openPort(d.opt)
	if err != nil {
		d.fd = nil
		return err
	}
	d.fd = f
	if _, err := d.DeviceID(); err != nil {
		d.fd.Close()
		d.fd = nil
		return err
	}
	if err := d.SetDelay(0); err != nil {
		d.fd.Close()
		d.fd = nil
		return err
	}
	return nil
}

func (d *Link) Disconnect() error {
	if d.fd == nil {
		return device.ErrNotConnected
	}
	err := d.fd.Close()
	d.fd = nil
	return err
}

// DeviceID reads the programmer's ID word.
func (d *Link) DeviceID() (int, error) {
	if d.fd == nil {
		return 0, device.ErrNotConnected
	}
	if err := d.send([]byte{cmdRead | parSingle | parDevID}); err != nil {
		return 0, err
	}
	data := make([]byte, 2)
	if err := d.recv(data); err != nil {
		return 0, err
	}
	return int(data[0])<<8 | int(data[1]), nil
}

// SetDelay configures the firmware's inter-command delay.
func (d *Link) SetDelay(val byte) error {
	if d.fd == nil {
		return device.ErrNotConnected
	}
	return d.send([]byte{cmdDelay, val})
}

// seekCmd appends the three address-latch cycles for a byte address.
// The bus is word addressed, so the byte address is halved on the wire.
func seekCmd(cmd []byte, addr int64) []byte {
	addr /= 2
	return append(cmd,
		cmdAddr, byte(addr>>16),
		cmdAddr, byte(addr>>8),
		cmdAddr, byte(addr))
}

func (d *Link) ReadWord(addr int64) (uint16, error) {
	if d.fd == nil {
		return 0, device.ErrNotConnected
	}
	cmd := seekCmd(make([]byte, 0, 7), addr)
	cmd = append(cmd, cmdRead|parSingle)
	if err := d.send(cmd); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	if err := d.recv(buf); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (d *Link) WriteWord(addr int64, data uint16) error {
	if d.fd == nil {
		return device.ErrNotConnected
	}
	cmd := seekCmd(make([]byte, 0, 9), addr)
	cmd = append(cmd, cmdWrite|parSingle, byte(data>>8), byte(data))
	return d.send(cmd)
}

// WriteByte writes the low byte of the word at addr; cartridge RAM is
// 8-bit so this is the write that reaches it.
func (d *Link) WriteByte(addr int64, data byte) error {
	if d.fd == nil {
		return device.ErrNotConnected
	}
	cmd := seekCmd(make([]byte, 0, 8), addr)
	cmd = append(cmd, cmdWrite|parSingle|parMode8, data)
	return d.send(cmd)
}

// ReadBytes reads length bytes from addr using the firmware's
// auto-increment burst mode, chunked to the firmware's transfer limit.
func (d *Link) ReadBytes(addr int64, length int) ([]byte, error) {
	if d.fd == nil {
		return nil, device.ErrNotConnected
	}
	if length%2 != 0 {
		return nil, fmt.Errorf("flashkit: odd-sized read not supported: %d", length)
	}

	if err := d.send(seekCmd(make([]byte, 0, 6), addr)); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	n := 0
	for n < length {
		chunk := length - n
		if chunk > maxChunk {
			chunk = maxChunk
		}
		cmd := []byte{
			cmdLen, byte(chunk / 2 >> 8),
			cmdLen, byte(chunk / 2),
			cmdRead | parInc,
		}
		if err := d.send(cmd); err != nil {
			return nil, err
		}
		if err := d.recv(out[n : n+chunk]); err != nil {
			return nil, err
		}
		n += chunk
	}
	return out, nil
}

func (d *Link) send(cmd []byte) error {
	n, err := d.fd.Write(cmd)
	if err != nil {
		return err
	}
	if n < len(cmd) {
		return fmt.Errorf("flashkit: short write: %d of %d bytes", n, len(cmd))
	}
	return nil
}

// recv fills buf completely, looping to protect against short reads.
func (d *Link) recv(buf []byte) error {
	for n := 0; n < len(buf); {
		read, err := d.fd.Read(buf[n:])
		n += read
		if err != nil {
			return err
		}
		if read == 0 {
			return fmt.Errorf("flashkit: zero-byte read after %d of %d bytes", n, len(buf))
		}
	}
	return nil
}
