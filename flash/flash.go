// Package flash drives the MX29GL128E command protocol through the
// console bus: unlock sequences, sector erase, buffered and single-word
// programming, and DQ7 data-polling with bounded wall-clock timeouts.
//
// Every target address is translated through the bank map first, so the
// chip's command address lines are always bank-relative. Commands use
// the standard 0x555/0x2AA unlock offsets scaled to byte addresses.
package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zperona/flashkit/bankmap"
	"github.com/zperona/flashkit/device"
)

const (
	ChipSize   int64 = 0x800000 // 8 MiB
	SectorSize int64 = 0x20000  // 128 KiB
	NumSectors       = int(ChipSize / SectorSize)
	BufferSize       = 64 // write-buffer capacity in bytes (32 words)

	unlockOff1 int64 = 0x555 * 2
	unlockOff2 int64 = 0x2AA * 2

	cmdUnlock1       uint16 = 0xAA
	cmdUnlock2       uint16 = 0x55
	cmdEraseSetup    uint16 = 0x80
	cmdSectorErase   uint16 = 0x30
	cmdBufferLoad    uint16 = 0x25
	cmdBufferConfirm uint16 = 0x29

	dq7 uint16 = 0x0080

	eraseTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
	pollInterval = time.Millisecond

	progressStep = 0x1000
	verifyStep   = 0x2000
)

var (
	ErrInvalidSector = errors.New("flash: sector index out of range")
	ErrInvalidChunk  = errors.New("flash: invalid buffer chunk")
	ErrEraseTimeout  = errors.New("flash: sector erase timed out")
	ErrWriteTimeout  = errors.New("flash: word program timed out")
	ErrBufferTimeout = errors.New("flash: buffer program timed out")
)

// VerifyError reports the first byte that read back differently after
// programming.
type VerifyError struct {
	Offset   int64
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("flash: verify mismatch at %#x: expected %#02x, got %#02x",
		e.Offset, e.Expected, e.Actual)
}

// Clock abstracts wall-clock time for the polling loops so tests can
// simulate a timeout without real delay.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Driver executes the chip command protocol over a device link.
// Operations are synchronous and must not be interleaved: the movable
// bank window is shared chip-global state.
type Driver struct {
	dev   device.Device
	banks *bankmap.Map
	clk   Clock
}

func New(dev device.Device, banks *bankmap.Map) *Driver {
	return &Driver{dev: dev, banks: banks, clk: realClock{}}
}

// NewWithClock is New with an injected clock, for tests.
func NewWithClock(dev device.Device, banks *bankmap.Map, clk Clock) *Driver {
	return &Driver{dev: dev, banks: banks, clk: clk}
}

// unlock issues the two-cycle unlock sequence relative to the window
// holding the upcoming command.
func (f *Driver) unlock(base int64) error {
	if err := f.dev.WriteWord(base+unlockOff1, cmdUnlock1); err != nil {
		return err
	}
	return f.dev.WriteWord(base+unlockOff2, cmdUnlock2)
}

// pollReady waits for DQ7 to read as set at addr, the erase completion
// convention.
func (f *Driver) pollReady(addr int64, timeout time.Duration, failure error) error {
	deadline := f.clk.Now().Add(timeout)
	for {
		v, err := f.dev.ReadWord(addr)
		if err != nil {
			return err
		}
		if v&dq7 == dq7 {
			return nil
		}
		if f.clk.Now().After(deadline) {
			return fmt.Errorf("%w: address %#x", failure, addr)
		}
		f.clk.Sleep(pollInterval)
	}
}

// pollData waits for DQ7 at addr to match the DQ7 of the value just
// programmed there; data polling returns the true bit once the
// operation completes.
func (f *Driver) pollData(addr int64, want uint16, timeout time.Duration, failure error) error {
	deadline := f.clk.Now().Add(timeout)
	for {
		v, err := f.dev.ReadWord(addr)
		if err != nil {
			return err
		}
		if (v^want)&dq7 == 0 {
			return nil
		}
		if f.clk.Now().After(deadline) {
			return fmt.Errorf("%w: address %#x", failure, addr)
		}
		f.clk.Sleep(pollInterval)
	}
}

// EraseSector erases one 128 KiB sector, remapping the movable window
// first when the sector lies outside bank 0.
func (f *Driver) EraseSector(sector int) error {
	if sector < 0 || sector >= NumSectors {
		return fmt.Errorf("%w: %d", ErrInvalidSector, sector)
	}
	t, err := f.banks.Locate(int64(sector) * SectorSize)
	if err != nil {
		return err
	}
	if err := f.unlock(t.UnlockBase); err != nil {
		return err
	}
	if err := f.dev.WriteWord(t.UnlockBase+unlockOff1, cmdEraseSetup); err != nil {
		return err
	}
	if err := f.unlock(t.UnlockBase); err != nil {
		return err
	}
	if err := f.dev.WriteWord(t.Addr, cmdSectorErase); err != nil {
		return err
	}
	return f.pollReady(t.Addr, eraseTimeout, ErrEraseTimeout)
}

// EraseAll erases every sector in order. The bank register is only
// rewritten when the sector's window changes, which Locate takes care
// of.
func (f *Driver) EraseAll(onProgress func(done, total int)) error {
	for s := 0; s < NumSectors; s++ {
		if err := f.EraseSector(s); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(s+1, NumSectors)
		}
	}
	return nil
}

// WriteBufferChunk programs 2..64 bytes (an even count) at the given
// logical offset using the chip write buffer. Buffer-control commands
// go to the sector-aligned base address; the data words go to their
// true addresses.
func (f *Driver) WriteBufferChunk(offset int64, data []byte) error {
	n := len(data)
	if n == 0 || n > BufferSize || n%2 != 0 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidChunk, n)
	}
	t, err := f.banks.Locate(offset)
	if err != nil {
		return err
	}
	sectorBase := t.Addr &^ (SectorSize - 1)

	if err := f.unlock(t.UnlockBase); err != nil {
		return err
	}
	if err := f.dev.WriteWord(sectorBase, cmdBufferLoad); err != nil {
		return err
	}
	if err := f.dev.WriteWord(sectorBase, uint16(n/2-1)); err != nil {
		return err
	}
	var lastAddr int64
	var lastWord uint16
	for i := 0; i < n; i += 2 {
		lastAddr = t.Addr + int64(i)
		lastWord = binary.BigEndian.Uint16(data[i:])
		if err := f.dev.WriteWord(lastAddr, lastWord); err != nil {
			return err
		}
	}
	if err := f.dev.WriteWord(sectorBase, cmdBufferConfirm); err != nil {
		return err
	}
	return f.pollData(lastAddr, lastWord, writeTimeout, ErrBufferTimeout)
}

// WriteWordAt programs a single word at the given logical offset. The
// fallback path for chunks that do not fill an aligned buffer.
func (f *Driver) WriteWordAt(offset int64, value uint16) error {
	t, err := f.banks.Locate(offset)
	if err != nil {
		return err
	}
	if err := f.unlock(t.UnlockBase); err != nil {
		return err
	}
	if err := f.dev.WriteWord(t.Addr, value); err != nil {
		return err
	}
	return f.pollData(t.Addr, value, writeTimeout, ErrWriteTimeout)
}

// WriteRom programs image front to back. Full 64-byte chunks aligned to
// a 64-byte boundary take the buffered path; anything else falls back
// to word-by-word programming, padding an odd tail with 0xFF to match
// blank flash. Progress is reported at least once per 4 KiB and on
// completion. The flash must already be erased over the covered range.
func (f *Driver) WriteRom(image []byte, onProgress func(done, total int64)) error {
	total := int64(len(image))
	var done, lastReport int64
	for done < total {
		bankRem := bankmap.BankSize - done%bankmap.BankSize
		chunk := int64(BufferSize)
		if bankRem < chunk {
			chunk = bankRem
		}
		if total-done < chunk {
			chunk = total - done
		}

		if chunk == BufferSize && done%BufferSize == 0 {
			if err := f.WriteBufferChunk(done, image[done:done+chunk]); err != nil {
				return err
			}
		} else {
			for i := int64(0); i < chunk; i += 2 {
				var w uint16
				if done+i+1 < total {
					w = binary.BigEndian.Uint16(image[done+i:])
				} else {
					w = uint16(image[done+i])<<8 | 0x00FF
				}
				if err := f.WriteWordAt(done+i, w); err != nil {
					return err
				}
			}
		}

		done += chunk
		if onProgress != nil && (done-lastReport >= progressStep || done == total) {
			onProgress(done, total)
			lastReport = done
		}
	}
	return nil
}

// VerifyRom re-reads the device over image's range in 4 KiB chunks and
// compares byte for byte, failing on the first mismatch. Progress is
// reported at least once per 8 KiB.
func (f *Driver) VerifyRom(image []byte, onProgress func(done, total int64)) error {
	total := int64(len(image))
	var lastReport int64
	for off := int64(0); off < total; {
		n := int64(progressStep)
		if total-off < n {
			n = total - off
		}
		t, err := f.banks.Locate(off)
		if err != nil {
			return err
		}
		rn := n
		if rn%2 != 0 {
			rn++
		}
		buf, err := f.dev.ReadBytes(t.Addr, int(rn))
		if err != nil {
			return err
		}
		for i := int64(0); i < n; i++ {
			if buf[i] != image[off+i] {
				return &VerifyError{Offset: off + i, Expected: image[off+i], Actual: buf[i]}
			}
		}
		off += n
		if onProgress != nil && (off-lastReport >= verifyStep || off == total) {
			onProgress(off, total)
			lastReport = off
		}
	}
	return nil
}
