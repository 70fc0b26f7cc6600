package device

import (
	"errors"
	"testing"

	"github.com/retroenv/retrogolib/assert"
)

type stubDev struct {
	connected    bool
	disconnected bool
}

func (s *stubDev) Connect() error                       { s.connected = true; return nil }
func (s *stubDev) Disconnect() error                    { s.disconnected = true; return nil }
func (s *stubDev) SetDelay(byte) error                  { return nil }
func (s *stubDev) ReadWord(int64) (uint16, error)       { return 0, nil }
func (s *stubDev) WriteWord(int64, uint16) error        { return nil }
func (s *stubDev) WriteByte(int64, byte) error          { return nil }
func (s *stubDev) ReadBytes(int64, int) ([]byte, error) { return nil, nil }

func TestWithSession(t *testing.T) {
	d := &stubDev{}
	err := WithSession(d, func(Device) error { return nil })
	assert.NoError(t, err)
	assert.True(t, d.connected)
	assert.True(t, d.disconnected)
}

func TestWithSessionReleasesOnError(t *testing.T) {
	d := &stubDev{}
	boom := errors.New("boom")
	err := WithSession(d, func(Device) error { return boom })
	assert.True(t, errors.Is(err, boom))
	assert.True(t, d.disconnected)
}
