// Package bankmap translates linear flash offsets into the bank-switched
// addresses exposed by the cartridge's CPLD mapper.
//
// The console sees 4 MiB of cartridge address space split into eight
// 512 KiB banks. The flash chip holds sixteen 512 KiB pages. Bank 0 is
// hardwired to page 0; banks 1..7 each have a mapping register whose
// value selects the page visible through that bank.
package bankmap

import (
	"errors"
	"fmt"

	"github.com/zperona/flashkit/device"
)

const (
	BankSize int64 = 0x80000 // one console-visible window
	NumBanks       = 8
	NumPages       = 16

	// Mapper register file. Bank n (1..7) is controlled by the low byte
	// of the word at regBase + 2n, the register block the CPLD decodes
	// alongside the RAM control word at regBase.
	regBase int64 = 0xA130F0
)

var (
	ErrInvalidBank = errors.New("bankmap: bank index out of range")
	ErrInvalidPage = errors.New("bankmap: page out of range")
)

// Target is the addressing triple for one logical flash offset.
type Target struct {
	Addr       int64 // console-visible address
	UnlockBase int64 // bank-relative base for flash command addresses
	Window     int   // logical 512 KiB window index, equal to the chip page
}

// Map caches the page currently visible through each bank. The cache is
// updated only after the hardware register write succeeds, so it always
// reflects hardware truth.
type Map struct {
	dev   device.Device
	pages [NumBanks]byte
}

func New(dev device.Device) *Map {
	return &Map{dev: dev}
}

// Page reports the cached page for a bank.
func (m *Map) Page(bank int) byte {
	return m.pages[bank]
}

// RegisterAddr returns the word address of a bank's mapping register.
func RegisterAddr(bank int) int64 {
	return regBase + 2*int64(bank)
}

// MapPage points bank at page by writing the bank's mapping register.
// Bank 0 has no register and cannot be remapped.
func (m *Map) MapPage(bank, page int) error {
	if bank < 1 || bank >= NumBanks {
		return fmt.Errorf("%w: %d", ErrInvalidBank, bank)
	}
	if page < 0 || page >= NumPages {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	if err := m.dev.WriteWord(RegisterAddr(bank), uint16(page)); err != nil {
		return err
	}
	m.pages[bank] = byte(page)
	return nil
}

// Translate computes the addressing triple for a logical flash offset.
// Offsets inside the first window address bank 0 directly. Every other
// window is routed through the single movable bank-1 register, so the
// target address and unlock base are always bank-1 relative regardless
// of which page is selected.
func (m *Map) Translate(offset int64) Target {
	window := int(offset / BankSize)
	inWindow := offset % BankSize
	if window == 0 {
		return Target{Addr: inWindow, UnlockBase: 0, Window: 0}
	}
	return Target{Addr: BankSize + inWindow, UnlockBase: BankSize, Window: window}
}

// Locate translates offset and, when it falls outside the fixed window,
// re-points bank 1 at the offset's page. The register is only written
// when the cached page differs.
func (m *Map) Locate(offset int64) (Target, error) {
	t := m.Translate(offset)
	if t.Window == 0 {
		return t, nil
	}
	if int(m.pages[1]) != t.Window {
		if err := m.MapPage(1, t.Window); err != nil {
			return Target{}, err
		}
	}
	return t, nil
}

// RefreshFromHardware reads back all mapping registers into the cache.
// An unreachable device leaves the whole cache at page 0 rather than
// failing; callers then assume page 0 everywhere until a mapping is
// requested.
func (m *Map) RefreshFromHardware() {
	var pages [NumBanks]byte
	for bank := 1; bank < NumBanks; bank++ {
		v, err := m.dev.ReadWord(RegisterAddr(bank))
		if err != nil {
			m.pages = [NumBanks]byte{}
			return
		}
		pages[bank] = byte(v) & (NumPages - 1)
	}
	m.pages = pages
}
