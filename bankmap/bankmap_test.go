package bankmap

import (
	"errors"
	"testing"

	"github.com/retroenv/retrogolib/assert"

	"github.com/zperona/flashkit/device"
	"github.com/zperona/flashkit/devmock"
)

func TestTranslate(t *testing.T) {
	m := New(devmock.New())

	for off := int64(0); off < 16*BankSize; off += 0x8000 {
		tr := m.Translate(off)
		window := int(off / BankSize)
		assert.Equal(t, window, tr.Window)
		if window == 0 {
			assert.Equal(t, off, tr.Addr)
			assert.Equal(t, int64(0), tr.UnlockBase)
		} else {
			// Single movable window: always bank 1 relative.
			assert.Equal(t, BankSize+off%BankSize, tr.Addr)
			assert.Equal(t, BankSize, tr.UnlockBase)
		}
	}
}

func TestMapPageRange(t *testing.T) {
	mock := devmock.New()
	m := New(mock)

	err := m.MapPage(0, 3)
	assert.True(t, errors.Is(err, ErrInvalidBank))
	err = m.MapPage(8, 0)
	assert.True(t, errors.Is(err, ErrInvalidBank))
	err = m.MapPage(1, 16)
	assert.True(t, errors.Is(err, ErrInvalidPage))
	err = m.MapPage(1, -1)
	assert.True(t, errors.Is(err, ErrInvalidPage))

	for bank := 1; bank < NumBanks; bank++ {
		for page := 0; page < NumPages; page++ {
			assert.NoError(t, m.MapPage(bank, page))
			assert.Equal(t, byte(page), mock.Page(bank))
			assert.Equal(t, byte(page), m.Page(bank))
		}
	}
}

func TestLocateRemapsWindow(t *testing.T) {
	// Distinct content per chip page so a read proves which page the
	// window shows.
	img := make([]byte, 0x800000)
	for i := range img {
		img[i] = byte(i>>19) + 1
	}
	mock := devmock.NewWithImage(img)
	m := New(mock)

	tr, err := m.Locate(11*BankSize + 0x100)
	assert.NoError(t, err)
	assert.Equal(t, BankSize+0x100, tr.Addr)
	assert.Equal(t, byte(11), mock.Page(1))

	buf, err := mock.ReadBytes(tr.Addr, 2)
	assert.NoError(t, err)
	assert.Equal(t, byte(12), buf[0])

	// Same window again: no register rewrite.
	writes := mock.Writes
	_, err = m.Locate(11*BankSize + 0x4000)
	assert.NoError(t, err)
	assert.Equal(t, writes, mock.Writes)

	// Fixed window needs no mapping at all.
	tr, err = m.Locate(0x200)
	assert.NoError(t, err)
	assert.Equal(t, int64(0x200), tr.Addr)
}

func TestRefreshFromHardware(t *testing.T) {
	mock := devmock.New()
	assert.NoError(t, mock.WriteWord(RegisterAddr(2), 9))
	assert.NoError(t, mock.WriteWord(RegisterAddr(7), 3))

	m := New(mock)
	m.RefreshFromHardware()
	assert.Equal(t, byte(9), m.Page(2))
	assert.Equal(t, byte(3), m.Page(7))
	assert.Equal(t, byte(1), m.Page(1)) // power-on identity mapping
}

// failDev errors on every operation, standing in for an unplugged
// programmer.
type failDev struct{}

func (failDev) Connect() error                    { return device.ErrNotConnected }
func (failDev) Disconnect() error                 { return device.ErrNotConnected }
func (failDev) SetDelay(byte) error               { return device.ErrNotConnected }
func (failDev) ReadWord(int64) (uint16, error)    { return 0, device.ErrNotConnected }
func (failDev) WriteWord(int64, uint16) error     { return device.ErrNotConnected }
func (failDev) WriteByte(int64, byte) error       { return device.ErrNotConnected }
func (failDev) ReadBytes(int64, int) ([]byte, error) {
	return nil, device.ErrNotConnected
}

func TestRefreshFromHardwareUnreachable(t *testing.T) {
	m := New(failDev{})
	m.RefreshFromHardware()
	for bank := 0; bank < NumBanks; bank++ {
		assert.Equal(t, byte(0), m.Page(bank))
	}
}
