package flash

import (
	"errors"
	"testing"
	"time"

	"github.com/retroenv/retrogolib/assert"

	"github.com/zperona/flashkit/bankmap"
	"github.com/zperona/flashkit/devmock"
)

// fakeClock advances only when the driver sleeps, so timeout paths run
// without wall-clock delay.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func newDriver(mock *devmock.Cart) *Driver {
	return New(mock, bankmap.New(mock))
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + 3)
	}
	return buf
}

func TestWriteBufferChunkArguments(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	err := f.WriteBufferChunk(0, pattern(65))
	assert.True(t, errors.Is(err, ErrInvalidChunk))
	err = f.WriteBufferChunk(0, pattern(63))
	assert.True(t, errors.Is(err, ErrInvalidChunk))
	err = f.WriteBufferChunk(0, nil)
	assert.True(t, errors.Is(err, ErrInvalidChunk))

	// Argument errors fail before any bus cycle.
	assert.Equal(t, 0, mock.Ops())
}

func TestEraseSectorRange(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	err := f.EraseSector(-1)
	assert.True(t, errors.Is(err, ErrInvalidSector))
	err = f.EraseSector(NumSectors)
	assert.True(t, errors.Is(err, ErrInvalidSector))
	assert.Equal(t, 0, mock.Ops())
}

func TestEraseWriteReadback(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	assert.NoError(t, f.EraseSector(0))

	data := pattern(64)
	assert.NoError(t, f.WriteBufferChunk(0x100, data))

	back, err := mock.ReadBytes(0x100, 64)
	assert.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestWriteWordAt(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	assert.NoError(t, f.WriteWordAt(0x10, 0x1234))
	assert.Equal(t, []byte{0x12, 0x34}, mock.FlashBytes(0x10, 2))
}

func TestWriteRomBufferAndWordPaths(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	// 100 bytes: one full aligned buffer chunk, then the word fallback.
	image := pattern(100)
	var last int64
	assert.NoError(t, f.WriteRom(image, func(done, total int64) {
		last = done
		assert.Equal(t, int64(100), total)
	}))
	assert.Equal(t, int64(100), last)
	assert.Equal(t, image, mock.FlashBytes(0, 100))
}

func TestWriteRomOddTail(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	image := pattern(99)
	assert.NoError(t, f.WriteRom(image, nil))
	assert.Equal(t, image, mock.FlashBytes(0, 99))
	// The adjacent byte is padded to blank-flash state, not corrupted.
	assert.Equal(t, byte(0xFF), mock.FlashBytes(99, 1)[0])
}

func TestWriteRomAcrossBanksAndVerify(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	// Spans the fixed window and one movable page.
	image := pattern(int(bankmap.BankSize) + 0x8000)
	assert.NoError(t, f.WriteRom(image, nil))
	assert.Equal(t, byte(1), mock.Page(1))
	assert.Equal(t, image[:256], mock.FlashBytes(0, 256))
	off := bankmap.BankSize
	assert.Equal(t, image[off:off+256], mock.FlashBytes(off, 256))

	// Verify right after a successful write never reports a mismatch.
	assert.NoError(t, f.VerifyRom(image, nil))
}

func TestVerifyRomMismatch(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	image := pattern(0x2000)
	assert.NoError(t, f.WriteRom(image, nil))

	mock.Poke(0x1001, image[0x1001]^0x40)

	err := f.VerifyRom(image, nil)
	var verr *VerifyError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, int64(0x1001), verr.Offset)
	assert.Equal(t, image[0x1001], verr.Expected)
	assert.Equal(t, image[0x1001]^0x40, verr.Actual)
}

func TestEraseAll(t *testing.T) {
	mock := devmock.New()
	f := newDriver(mock)

	// Leave traces in a few sectors so the erase is observable.
	assert.NoError(t, f.WriteWordAt(0, 0x0000))
	assert.NoError(t, f.WriteWordAt(ChipSize-SectorSize, 0x0000))

	var count int
	assert.NoError(t, f.EraseAll(func(done, total int) {
		count++
		assert.Equal(t, NumSectors, total)
	}))
	assert.Equal(t, NumSectors, count)
	assert.Equal(t, []byte{0xFF, 0xFF}, mock.FlashBytes(0, 2))
	assert.Equal(t, []byte{0xFF, 0xFF}, mock.FlashBytes(ChipSize-SectorSize, 2))
}

func TestEraseTimeout(t *testing.T) {
	mock := devmock.New()
	mock.SetNeverReady(true)
	f := NewWithClock(mock, bankmap.New(mock), &fakeClock{})

	err := f.EraseSector(0)
	assert.True(t, errors.Is(err, ErrEraseTimeout))
}

func TestBufferWriteTimeout(t *testing.T) {
	mock := devmock.New()
	mock.SetNeverReady(true)
	f := NewWithClock(mock, bankmap.New(mock), &fakeClock{})

	err := f.WriteBufferChunk(0, pattern(64))
	assert.True(t, errors.Is(err, ErrBufferTimeout))
}

func TestWordWriteTimeout(t *testing.T) {
	mock := devmock.New()
	mock.SetNeverReady(true)
	f := NewWithClock(mock, bankmap.New(mock), &fakeClock{})

	err := f.WriteWordAt(0x20, 0x4242)
	assert.True(t, errors.Is(err, ErrWriteTimeout))
}
