package flashkit

import (
	"errors"
	"io"
	"testing"

	"github.com/jacobsa/go-serial/serial"
	"github.com/retroenv/retrogolib/assert"

	"github.com/zperona/flashkit/device"
)

// fakePort answers each read from a scripted reply queue; an exhausted
// queue reads as EOF, like a programmer that stopped responding.
type fakePort struct {
	replies [][]byte
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.replies) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.replies[0])
	if n == len(p.replies[0]) {
		p.replies = p.replies[1:]
	} else {
		p.replies[0] = p.replies[0][n:]
	}
	return n, nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

// stubPorts has Connect hand out the given ports in order.
func stubPorts(t *testing.T, ports ...*fakePort) {
	orig := openPort
	openPort = func(serial.OpenOptions) (io.ReadWriteCloser, error) {
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}
	t.Cleanup(func() { openPort = orig })
}

func TestConnectHandshake(t *testing.T) {
	first := &fakePort{replies: [][]byte{{0x05, 0x05}}}
	second := &fakePort{replies: [][]byte{{0x05, 0x05}}}
	stubPorts(t, first, second)

	link := New("fake")
	assert.NoError(t, link.Connect())
	assert.True(t, first.closed)
	assert.False(t, second.closed)

	assert.NoError(t, link.Disconnect())
	assert.True(t, second.closed)
}

func TestConnectRejectsUnknownID(t *testing.T) {
	first := &fakePort{replies: [][]byte{{0x05, 0x07}}}
	stubPorts(t, first)

	link := New("fake")
	err := link.Connect()
	assert.Error(t, err, "flashkit: unknown device ID 1287")
	assert.True(t, first.closed)
}

func TestConnectClosesPortOnHandshakeFailure(t *testing.T) {
	first := &fakePort{replies: [][]byte{{0x05, 0x05}}}
	second := &fakePort{}
	stubPorts(t, first, second)

	link := New("fake")
	err := link.Connect()
	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, first.closed)
	assert.True(t, second.closed)

	_, err = link.ReadWord(0)
	assert.True(t, errors.Is(err, device.ErrNotConnected))
}
