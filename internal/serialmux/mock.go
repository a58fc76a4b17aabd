package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// PipePort is one end of an in-memory serial cable.
type PipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// NewPipePair returns two ports wired back to back: bytes written to one
// are read from the other.
func NewPipePair() (*PipePort, *PipePort) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &PipePort{r: ar, w: aw}, &PipePort{r: br, w: bw}
}

func (p *PipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *PipePort) Write(b []byte) (int, error) { return p.w.Write(b) }

// Close closes both directions; the peer's reads see io.EOF.
func (p *PipePort) Close() error {
	p.w.Close()
	return p.r.Close()
}

// TestableSerialPort is an in-memory UART. Reads block until data is
// queued or the port is closed, like a real port with no read timeout.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  bytes.Buffer
	out bytes.Buffer

	// Closed is set by Close.
	Closed bool

	// OnWrite, if set, is called with every write; whatever it returns is
	// queued for reading, which lets a test play the remote end.
	OnWrite func(written []byte) []byte
}

var errPortClosed = errors.New("serial port closed")

// NewTestableSerialPort returns an open, empty port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.Closed && t.in.Len() == 0 {
		t.cond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.in.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	n, _ := t.out.Write(p)
	if t.OnWrite != nil {
		if resp := t.OnWrite(p); len(resp) > 0 {
			t.in.Write(resp)
			t.cond.Broadcast()
		}
	}
	return n, nil
}

// Close wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.cond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.in.Write(data)
	t.cond.Broadcast()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.out.Bytes())
}

// WrittenPackets splits the written bytes into packets.
func (t *TestableSerialPort) WrittenPackets() ([]Packet, error) {
	pr := newPacketReader(bytes.NewReader(t.GetWrittenData()))
	var out []Packet
	for {
		p, err := pr.next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

// MockSerialPortFactory hands out Port, or fails with Error, and records
// every Open.
type MockSerialPortFactory struct {
	mu sync.Mutex

	Port      SerialPorter
	Error     error
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *SerialPortMode
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: mode})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
