// Package devmock is an in-memory cartridge behind the device boundary,
// used by tests in place of real hardware. It simulates the CPLD bank
// mapper, the flash chip's command protocol with DQ7 busy polling,
// address mirroring past the true image size, and byte-wide battery RAM
// with address-line aliasing.
package devmock

import (
	"fmt"

	"github.com/zperona/flashkit/device"
)

const (
	chipSize   int64 = 0x800000
	bankSize   int64 = 0x80000
	sectorSize int64 = 0x20000

	cartTop int64 = 0x400000
	ramBase int64 = 0x200000
	regBase int64 = 0xA130F0
	regTop  int64 = 0xA130FE

	// Reads that report inverted DQ7 after a program or erase before
	// the operation reads as complete.
	busyPolls = 1
)

type bufWord struct {
	addr int64
	val  uint16
}

// bufferState tracks an in-flight write-buffer load: the sector base
// the control commands go to, the announced word count, and the words
// written so far.
type bufferState struct {
	base  int64
	count int // -1 until the count word arrives
	words []bufWord
}

// Cart implements device.Device over simulated hardware.
type Cart struct {
	connected bool
	flash     []byte // chip contents; reads mirror modulo its length
	pages     [8]byte
	ram       []byte // one meaningful byte per word; nil = no RAM fitted
	ramOn     bool
	delay     byte

	unlocked   int
	eraseArmed bool
	buf        *bufferState

	busy       int
	neverReady bool

	// Bus cycle counters, for asserting that argument errors fail
	// before any hardware is touched.
	Reads, Writes int
}

var _ device.Device = (*Cart)(nil)

// New returns a cart with a blank (erased) 8 MiB flash chip, no RAM,
// and the mapper in its power-on identity state (bank n shows page n).
func New() *Cart {
	img := make([]byte, chipSize)
	for i := range img {
		img[i] = 0xFF
	}
	return NewWithImage(img)
}

// NewWithImage returns a cart whose flash holds img. len(img) must be a
// power of two; reads past it mirror, which is what the size probes
// exploit.
func NewWithImage(img []byte) *Cart {
	c := &Cart{flash: img}
	for i := range c.pages {
		c.pages[i] = byte(i)
	}
	return c
}

// SetRam fits battery RAM of size meaningful bytes, zero-initialized.
func (c *Cart) SetRam(size int) {
	c.ram = make([]byte, size)
}

// SetNeverReady makes every program and erase poll as busy forever, for
// timeout tests.
func (c *Cart) SetNeverReady(v bool) {
	c.neverReady = v
}

// Ops reports the total bus cycles issued.
func (c *Cart) Ops() int {
	return c.Reads + c.Writes
}

// Page reports the page a mapper register currently selects.
func (c *Cart) Page(bank int) byte {
	return c.pages[bank]
}

// FlashBytes copies n bytes of raw chip content starting at chip
// address off.
func (c *Cart) FlashBytes(off int64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = c.flash[(off+int64(i))%int64(len(c.flash))]
	}
	return out
}

// Poke overwrites one raw chip byte, bypassing the command protocol.
func (c *Cart) Poke(off int64, b byte) {
	c.flash[off%int64(len(c.flash))] = b
}

// RamBytes exposes the raw RAM cells.
func (c *Cart) RamBytes() []byte {
	return c.ram
}

// RamEnabled reports whether the RAM window is currently switched in.
func (c *Cart) RamEnabled() bool {
	return c.ramOn
}

func (c *Cart) Connect() error {
	c.connected = true
	return nil
}

func (c *Cart) Disconnect() error {
	if !c.connected {
		return device.ErrNotConnected
	}
	c.connected = false
	return nil
}

func (c *Cart) SetDelay(val byte) error {
	c.delay = val
	return nil
}

// chipAddr resolves a console address through the mapper into a chip
// address. Bank 0 is hardwired to page 0.
func (c *Cart) chipAddr(addr int64) int64 {
	page := int64(0)
	if addr >= bankSize {
		page = int64(c.pages[addr/bankSize])
	}
	return page*bankSize + addr%bankSize
}

// wordAt decodes a read without busy simulation.
func (c *Cart) wordAt(addr int64) uint16 {
	switch {
	case addr >= regBase && addr <= regTop:
		if addr == regBase {
			if c.ramOn {
				return 0xFFFF
			}
			return 0
		}
		return uint16(c.pages[(addr-regBase)/2])

	case addr < cartTop:
		if c.ramOn && c.ram != nil && addr >= ramBase {
			idx := ((addr - ramBase) / 2) % int64(len(c.ram))
			return 0xFF00 | uint16(c.ram[idx])
		}
		i := c.chipAddr(addr) % int64(len(c.flash))
		return uint16(c.flash[i])<<8 | uint16(c.flash[i+1])
	}
	return 0xFFFF
}

func (c *Cart) ReadWord(addr int64) (uint16, error) {
	c.Reads++
	v := c.wordAt(addr)
	if addr < cartTop {
		if c.neverReady {
			return v ^ 0x80, nil
		}
		if c.busy > 0 {
			c.busy--
			return v ^ 0x80, nil
		}
	}
	return v, nil
}

func (c *Cart) ReadBytes(addr int64, length int) ([]byte, error) {
	if length%2 != 0 {
		return nil, fmt.Errorf("devmock: odd-sized read not supported: %d", length)
	}
	c.Reads++
	out := make([]byte, length)
	for i := 0; i < length; i += 2 {
		w := c.wordAt(addr + int64(i))
		out[i] = byte(w >> 8)
		out[i+1] = byte(w)
	}
	return out, nil
}

func (c *Cart) WriteWord(addr int64, data uint16) error {
	c.Writes++
	switch {
	case addr == regBase:
		c.ramOn = data != 0
	case addr > regBase && addr <= regTop:
		c.pages[(addr-regBase)/2] = byte(data) & 0x0F
	case addr < cartTop:
		if c.ramOn && c.ram != nil && addr >= ramBase {
			idx := ((addr - ramBase) / 2) % int64(len(c.ram))
			c.ram[idx] = byte(data)
			return nil
		}
		c.flashWrite(addr, data)
	}
	return nil
}

func (c *Cart) WriteByte(addr int64, data byte) error {
	c.Writes++
	if addr < cartTop && c.ramOn && c.ram != nil && addr >= ramBase {
		idx := ((addr - ramBase) / 2) % int64(len(c.ram))
		c.ram[idx] = data
	}
	return nil
}

// flashWrite runs the chip command state machine for a bus write that
// reached the flash.
func (c *Cart) flashWrite(addr int64, v uint16) {
	if c.buf != nil {
		c.bufferWrite(addr, v)
		return
	}

	rel := addr & (bankSize - 1)
	switch {
	case c.unlocked == 0 && rel == 0xAAA && v == 0xAA:
		c.unlocked = 1
	case c.unlocked == 1 && rel == 0x554 && v == 0x55:
		c.unlocked = 2
	case c.unlocked == 2:
		c.unlocked = 0
		switch {
		case rel == 0xAAA && v == 0x80:
			c.eraseArmed = true
		case c.eraseArmed && v == 0x30:
			c.eraseArmed = false
			c.eraseSector(addr)
			c.busy = busyPolls
		case v == 0x25:
			c.buf = &bufferState{base: addr, count: -1}
		default:
			c.program(addr, v)
			c.busy = busyPolls
		}
	default:
		c.unlocked = 0
	}
}

func (c *Cart) bufferWrite(addr int64, v uint16) {
	b := c.buf
	switch {
	case b.count < 0:
		if addr != b.base {
			c.buf = nil
			return
		}
		b.count = int(v) + 1
	case len(b.words) < b.count:
		b.words = append(b.words, bufWord{addr, v})
	default:
		if addr == b.base && v == 0x29 {
			for _, w := range b.words {
				c.program(w.addr, w.val)
			}
			c.busy = busyPolls
		}
		c.buf = nil
	}
}

// program ANDs a word into the array; flash programming only clears
// bits.
func (c *Cart) program(addr int64, v uint16) {
	i := c.chipAddr(addr) % int64(len(c.flash))
	old := uint16(c.flash[i])<<8 | uint16(c.flash[i+1])
	nv := old & v
	c.flash[i] = byte(nv >> 8)
	c.flash[i+1] = byte(nv)
}

func (c *Cart) eraseSector(addr int64) {
	base := c.chipAddr(addr) &^ (sectorSize - 1)
	for i := int64(0); i < sectorSize; i++ {
		c.flash[(base+i)%int64(len(c.flash))] = 0xFF
	}
}
