package serialmux

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

// SerialPorter is the part of a UART the link uses.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// DefaultBaudRate is the payload-to-flight-computer UART rate.
const DefaultBaudRate = 57600

// Parity is the UART parity setting.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// ParseParity accepts N, E, O or their long names, in any case.
func ParseParity(s string) (Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "N", "NONE":
		return NoParity, nil
	case "O", "ODD":
		return OddParity, nil
	case "E", "EVEN":
		return EvenParity, nil
	}
	return NoParity, fmt.Errorf("unsupported parity %q: expected N, E or O", s)
}

func (p Parity) String() string {
	switch p {
	case OddParity:
		return "O"
	case EvenParity:
		return "E"
	}
	return "N"
}

// StopBits is the UART stop bit setting.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// SerialPortMode is the UART line configuration.
type SerialPortMode struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// DefaultSerialPortMode returns the flight computer UART settings, 8N1.
func DefaultSerialPortMode() *SerialPortMode {
	return &SerialPortMode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   NoParity,
		StopBits: OneStopBit,
	}
}

// Validate rejects settings the driver cannot apply.
func (m *SerialPortMode) Validate() error {
	if m.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", m.BaudRate)
	}
	if m.DataBits < 5 || m.DataBits > 8 {
		return fmt.Errorf("invalid data bits %d: must be between 5 and 8", m.DataBits)
	}
	if m.Parity < NoParity || m.Parity > EvenParity {
		return fmt.Errorf("invalid parity %d", m.Parity)
	}
	if m.StopBits != OneStopBit && m.StopBits != TwoStopBits {
		return fmt.Errorf("invalid stop bits %d", m.StopBits)
	}
	return nil
}

func (m *SerialPortMode) String() string {
	stop := 1
	if m.StopBits == TwoStopBits {
		stop = 2
	}
	return fmt.Sprintf("%d %d%s%d", m.BaudRate, m.DataBits, m.Parity, stop)
}

// driverMode converts m for go.bug.st/serial.
func (m *SerialPortMode) driverMode() *serial.Mode {
	out := &serial.Mode{BaudRate: m.BaudRate, DataBits: m.DataBits, StopBits: serial.OneStopBit}
	if m.StopBits == TwoStopBits {
		out.StopBits = serial.TwoStopBits
	}
	switch m.Parity {
	case OddParity:
		out.Parity = serial.OddParity
	case EvenParity:
		out.Parity = serial.EvenParity
	default:
		out.Parity = serial.NoParity
	}
	return out
}

// SerialPortFactory opens UARTs; tests substitute MockSerialPortFactory.
type SerialPortFactory interface {
	Open(path string, mode *SerialPortMode) (SerialPorter, error)
}
