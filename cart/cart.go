// Package cart holds the session-level cartridge operations: capacity
// probing, ROM dump/flash, and battery RAM access.
//
// Probing needs no prior knowledge of the cartridge. RAM is detected by
// writing back the complement of a cell and checking it survived a
// round trip; sizes are detected by exploiting address-line wraparound,
// where reads and writes past the true capacity alias back into the
// visible range.
package cart

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zperona/flashkit/bankmap"
	"github.com/zperona/flashkit/device"
	"github.com/zperona/flashkit/flash"
)

const (
	// RamBase is the console address of the battery RAM window.
	RamBase int64 = 0x200000

	// ramCtrl is the CPLD control word that switches the RAM window in
	// over the ROM.
	ramCtrl int64 = 0xA130F0

	// maxRamSpan bounds the RAM size probe: 1 MiB of word addresses,
	// 512 KiB of meaningful bytes.
	maxRamSpan int64 = 0x100000

	// romProbeBase is the smallest size the mirroring probe resolves.
	romProbeBase int64 = 0x8000

	probeBlock = 256
	headerLen  = 512
)

var ErrNoRam = errors.New("cart: no RAM detected")

// CapacityReport is the result of one probe. Produced fresh each time;
// never reuse one across cartridge swaps.
type CapacityReport struct {
	RomSize    int64
	RamPresent bool
	RamSize    int64 // meaningful bytes, one per word
}

// Stage identifies the phase a WriteRom progress callback refers to.
type Stage int

const (
	StageErase Stage = iota
	StageProgram
	StageVerify
)

func (s Stage) String() string {
	switch s {
	case StageErase:
		return "erase"
	case StageProgram:
		return "program"
	case StageVerify:
		return "verify"
	}
	return "unknown"
}

// WriteProgress is reported by Session.WriteRom as it moves through
// erase, program and verify.
type WriteProgress struct {
	Stage       Stage
	Done, Total int64
}

// Session is the exclusive handle to one connected cartridge. All
// operations are synchronous and must not be interleaved: the movable
// bank window is shared state for the whole chip.
type Session struct {
	dev   device.Device
	banks *bankmap.Map
	flash *flash.Driver
}

// Open connects the device and initializes the bank map from the live
// mapper registers. Close releases the link on every exit path.
func Open(dev device.Device) (*Session, error) {
	if err := dev.Connect(); err != nil {
		return nil, err
	}
	banks := bankmap.New(dev)
	banks.RefreshFromHardware()
	return &Session{
		dev:   dev,
		banks: banks,
		flash: flash.New(dev, banks),
	}, nil
}

func (s *Session) Close() error {
	return s.dev.Disconnect()
}

// Banks exposes the session's address translator.
func (s *Session) Banks() *bankmap.Map { return s.banks }

// Flash exposes the session's protocol driver.
func (s *Session) Flash() *flash.Driver { return s.flash }

func (s *Session) ramEnable() error {
	if err := s.dev.SetDelay(1); err != nil {
		return err
	}
	return s.dev.WriteWord(ramCtrl, 0xFFFF)
}

func (s *Session) ramDisable() error {
	if err := s.dev.WriteWord(ramCtrl, 0x0000); err != nil {
		return err
	}
	return s.dev.SetDelay(0)
}

// readBlock reads length bytes at a logical flash offset, re-pointing
// the movable window as needed. The bus is word granular, so an odd
// length is read rounded up and trimmed.
func (s *Session) readBlock(offset int64, length int) ([]byte, error) {
	t, err := s.banks.Locate(offset)
	if err != nil {
		return nil, err
	}
	rn := length
	if rn%2 != 0 {
		rn++
	}
	buf, err := s.dev.ReadBytes(t.Addr, rn)
	if err != nil {
		return nil, err
	}
	return buf[:length], nil
}

// RamAvailable probes for battery RAM by toggling the first cell and
// checking the complement survived on the low byte. RAM is 8-bit, so
// the high byte of the word is ignored. The original value is restored
// on both paths.
func (s *Session) RamAvailable() (bool, error) {
	if err := s.ramEnable(); err != nil {
		return false, err
	}
	defer s.ramDisable()
	return s.ramPresent()
}

// ramPresent assumes the RAM window is already switched in.
func (s *Session) ramPresent() (bool, error) {
	first, err := s.dev.ReadWord(RamBase)
	if err != nil {
		return false, err
	}
	if err := s.dev.WriteWord(RamBase, first^0xFFFF); err != nil {
		return false, err
	}
	tmp, err := s.dev.ReadWord(RamBase)
	if err != nil {
		return false, err
	}
	if err := s.dev.WriteWord(RamBase, first); err != nil {
		return false, err
	}
	tmp ^= 0xFFFF
	return first&0x00FF == tmp&0x00FF, nil
}

// RamSize reports the installed RAM size in meaningful bytes, or 0 when
// no RAM is present. It doubles a word-address span from 256 bytes up
// to 1 MiB; the probe stops when a complement write fails to take or
// when it corrupts the base cell, which means the span wrapped past the
// physical capacity. Each probed cell is restored before moving on.
func (s *Session) RamSize() (int64, error) {
	if err := s.ramEnable(); err != nil {
		return 0, err
	}
	defer s.ramDisable()

	present, err := s.ramPresent()
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, nil
	}

	first, err := s.dev.ReadWord(RamBase)
	if err != nil {
		return 0, err
	}

	var span int64
	for span = 256; span < maxRamSpan; span *= 2 {
		tmp, err := s.dev.ReadWord(RamBase + span)
		if err != nil {
			return 0, err
		}
		if err := s.dev.WriteWord(RamBase+span, tmp^0xFFFF); err != nil {
			return 0, err
		}
		tmp2, err := s.dev.ReadWord(RamBase + span)
		if err != nil {
			return 0, err
		}
		firstNow, err := s.dev.ReadWord(RamBase)
		if err != nil {
			return 0, err
		}
		if err := s.dev.WriteWord(RamBase+span, tmp); err != nil {
			return 0, err
		}
		tmp2 ^= 0xFFFF
		if tmp&0x00FF != tmp2&0x00FF {
			break
		}
		if first&0x00FF != firstNow&0x00FF {
			break
		}
	}

	// One meaningful byte per word.
	return span / 2, nil
}

// checkRomSize doubles an offset from 32 KiB and compares the block
// there against a reference block at base. Identical content means the
// addressing wrapped past the real image and mirrored; the offset at
// which that happens is the size. Returns 0 when even the first probe
// mirrors.
func (s *Session) checkRomSize(base, maxLen int64) (int64, error) {
	ref, err := s.readBlock(base, probeBlock)
	if err != nil {
		return 0, err
	}

	offset := romProbeBase
	for {
		blk, err := s.readBlock(base+offset, probeBlock)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(blk, ref) {
			break
		}
		offset *= 2
		if offset >= maxLen {
			break
		}
	}
	if offset == romProbeBase {
		return 0, nil
	}
	return offset, nil
}

// RomSize reports the installed ROM size in bytes. The first probe is
// capped at 2 MiB when the RAM window hides the upper console space, or
// 4 MiB when toggling the RAM window shows extra ROM behind it. A probe
// that saturates the 4 MiB console space continues into the upper half
// of the chip through the movable window, with 2 MiB and 1 MiB
// sub-probes resolving 6 versus 8 MiB.
func (s *Session) RomSize() (int64, error) {
	ram, err := s.RamAvailable()
	if err != nil {
		return 0, err
	}

	maxProbe := int64(0x400000)
	if ram {
		extra, err := s.extraRomBehindRam()
		if err != nil {
			return 0, err
		}
		if !extra {
			maxProbe = 0x200000
		}
	}

	if err := s.ramDisable(); err != nil {
		return 0, err
	}

	size, err := s.checkRomSize(0, maxProbe)
	if err != nil {
		return 0, err
	}
	if size != 0x400000 {
		return size, nil
	}

	// Saturated the console space: second-stage probe in the chip's
	// upper half.
	rs2, err := s.checkRomSize(0x400000, 0x200000)
	if err != nil {
		return 0, err
	}
	if rs2 == 0x200000 {
		sub, err := s.checkRomSize(0x600000, 0x100000)
		if err != nil {
			return 0, err
		}
		if sub >= 0x80000 {
			rs2 = 0x400000
		} else {
			rs2 = 0x200000
		}
	}
	if rs2 >= 0x80000 {
		size += rs2
	}
	return size, nil
}

// extraRomBehindRam reports whether the RAM window also carries usable
// ROM, by checking whether switching the RAM window in changes what the
// window reads. A stable window that ignores the toggle is pure RAM.
func (s *Session) extraRomBehindRam() (bool, error) {
	if err := s.ramDisable(); err != nil {
		return false, err
	}
	ref, err := s.dev.ReadBytes(RamBase, headerLen)
	if err != nil {
		return false, err
	}
	again, err := s.dev.ReadBytes(RamBase, headerLen)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(ref, again) {
		return false, nil
	}

	if err := s.ramEnable(); err != nil {
		return false, err
	}
	enabled, err := s.dev.ReadBytes(RamBase, headerLen)
	if err != nil {
		return false, err
	}
	if err := s.ramDisable(); err != nil {
		return false, err
	}
	return !bytes.Equal(ref, enabled), nil
}

// DetectCapacity runs the full probe: ROM size, RAM presence, RAM size.
func (s *Session) DetectCapacity() (CapacityReport, error) {
	ramSize, err := s.RamSize()
	if err != nil {
		return CapacityReport{}, err
	}
	romSize, err := s.RomSize()
	if err != nil {
		return CapacityReport{}, err
	}
	return CapacityReport{
		RomSize:    romSize,
		RamPresent: ramSize > 0,
		RamSize:    ramSize,
	}, nil
}

// ReadHeader reads the 512-byte cartridge header.
func (s *Session) ReadHeader() ([]byte, error) {
	if err := s.ramDisable(); err != nil {
		return nil, err
	}
	return s.readBlock(0, headerLen)
}

// ReadRom dumps sizeHint bytes in bank-window-sized pages, re-pointing
// the movable window between pages, then trims trailing 0xFF: blank
// flash reads as 0xFF, so a trailing run of it is unused capacity, not
// content.
func (s *Session) ReadRom(sizeHint int64, onProgress func(done, total int64)) ([]byte, error) {
	if err := s.ramDisable(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, sizeHint)
	for off := int64(0); off < sizeHint; {
		n := bankmap.BankSize
		if sizeHint-off < n {
			n = sizeHint - off
		}
		page, err := s.readBlock(off, int(n))
		if err != nil {
			return nil, err
		}
		buf = append(buf, page...)
		off += n
		if onProgress != nil {
			onProgress(off, sizeHint)
		}
	}

	trim := len(buf)
	for trim > 0 && buf[trim-1] == 0xFF {
		trim--
	}
	return buf[:trim], nil
}

// EraseAll erases every sector of the chip.
func (s *Session) EraseAll(onProgress func(done, total int)) error {
	return s.flash.EraseAll(onProgress)
}

// WriteRom pads image to a bank-window multiple with 0xFF, erases the
// covered sectors, programs the padded image, and verifies the original
// image against the device. Any timeout or mismatch aborts the whole
// operation; restart from scratch after reconnecting.
func (s *Session) WriteRom(image []byte, onProgress func(WriteProgress)) error {
	padded := image
	if rem := int64(len(image)) % bankmap.BankSize; rem != 0 {
		padded = make([]byte, int64(len(image))+bankmap.BankSize-rem)
		copy(padded, image)
		for i := len(image); i < len(padded); i++ {
			padded[i] = 0xFF
		}
	}
	if int64(len(padded)) > flash.ChipSize {
		return fmt.Errorf("cart: image is %d bytes, chip holds %d", len(image), flash.ChipSize)
	}

	sectors := int(int64(len(padded)) / flash.SectorSize)
	for sec := 0; sec < sectors; sec++ {
		if err := s.flash.EraseSector(sec); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(WriteProgress{StageErase, int64(sec + 1), int64(sectors)})
		}
	}

	if err := s.flash.WriteRom(padded, func(done, total int64) {
		if onProgress != nil {
			onProgress(WriteProgress{StageProgram, done, total})
		}
	}); err != nil {
		return err
	}

	return s.flash.VerifyRom(image, func(done, total int64) {
		if onProgress != nil {
			onProgress(WriteProgress{StageVerify, done, total})
		}
	})
}

// ReadRam dumps the battery RAM in its word layout: two bytes per cell,
// the meaningful byte in the low half of each word.
func (s *Session) ReadRam() ([]byte, error) {
	size, err := s.RamSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, ErrNoRam
	}

	if err := s.ramEnable(); err != nil {
		return nil, err
	}
	defer s.ramDisable()
	return s.dev.ReadBytes(RamBase, int(size*2))
}

// WriteRam programs the battery RAM from a word-layout dump and
// verifies the meaningful bytes.
func (s *Session) WriteRam(data []byte) error {
	size, err := s.RamSize()
	if err != nil {
		return err
	}
	if size == 0 {
		return ErrNoRam
	}
	if int64(len(data)) != size*2 {
		return fmt.Errorf("cart: RAM image is %d bytes, want %d", len(data), size*2)
	}

	if err := s.ramEnable(); err != nil {
		return err
	}
	defer s.ramDisable()

	for i := 0; i < len(data); i += 2 {
		if err := s.dev.WriteByte(RamBase+int64(i), data[i+1]); err != nil {
			return err
		}
	}

	back, err := s.dev.ReadBytes(RamBase, len(data))
	if err != nil {
		return err
	}
	for i := 1; i < len(data); i += 2 {
		if back[i] != data[i] {
			return &flash.VerifyError{
				Offset:   RamBase + int64(i),
				Expected: data[i],
				Actual:   back[i],
			}
		}
	}
	return nil
}
