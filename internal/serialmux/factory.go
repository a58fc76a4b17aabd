package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealLink opens the UART at path and wraps it in a Link. A nil mode
// means DefaultSerialPortMode.
func NewRealLink(path string, mode *SerialPortMode, cfg LinkConfig) (*Link[serial.Port], error) {
	if mode == nil {
		mode = DefaultSerialPortMode()
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode.driverMode())
	if err != nil {
		return nil, fmt.Errorf("open %s (%s): %w", path, mode, err)
	}
	// Stale bytes from before the open would desynchronise packet framing.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset %s: %w", path, err)
	}
	if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return NewLink[serial.Port](port, cfg), nil
}

// SerialFactory opens real ports through go.bug.st/serial.
type SerialFactory struct{}

// Open implements SerialPortFactory.
func (SerialFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	return serial.Open(path, mode.driverMode())
}

// OpenLink opens path through f and wraps it in a Link.
func OpenLink(f SerialPortFactory, path string, mode *SerialPortMode, cfg LinkConfig) (*Link[SerialPorter], error) {
	if mode == nil {
		mode = DefaultSerialPortMode()
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	port, err := f.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewLink(port, cfg), nil
}
