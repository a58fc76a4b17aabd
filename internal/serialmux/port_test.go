package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestParseParity(t *testing.T) {
	tests := []struct {
		in      string
		want    Parity
		wantErr bool
	}{
		{"", NoParity, false},
		{"n", NoParity, false},
		{" none ", NoParity, false},
		{"E", EvenParity, false},
		{"odd", OddParity, false},
		{"mark", NoParity, true},
	}
	for _, tt := range tests {
		got, err := ParseParity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseParity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseParity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSerialPortMode_Validate(t *testing.T) {
	if err := DefaultSerialPortMode().Validate(); err != nil {
		t.Fatalf("default mode: %v", err)
	}
	if got := DefaultSerialPortMode().String(); got != "57600 8N1" {
		t.Errorf("String() = %q, want 57600 8N1", got)
	}
	bad := []SerialPortMode{
		{BaudRate: 0, DataBits: 8},
		{BaudRate: 9600, DataBits: 4},
		{BaudRate: 9600, DataBits: 9},
		{BaudRate: 9600, DataBits: 8, Parity: Parity(7)},
		{BaudRate: 9600, DataBits: 8, StopBits: StopBits(3)},
	}
	for _, m := range bad {
		if err := m.Validate(); err == nil {
			t.Errorf("Validate(%+v) accepted invalid mode", m)
		}
	}
}

func TestSerialPortMode_DriverMode(t *testing.T) {
	tests := []struct {
		mode SerialPortMode
		want serial.Mode
	}{
		{*DefaultSerialPortMode(), serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity}},
		{SerialPortMode{BaudRate: 9600, DataBits: 8, Parity: EvenParity, StopBits: TwoStopBits}, serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}},
		{SerialPortMode{BaudRate: 115200, DataBits: 7, Parity: OddParity}, serial.Mode{BaudRate: 115200, DataBits: 7, StopBits: serial.OneStopBit, Parity: serial.OddParity}},
	}
	for _, tt := range tests {
		got := tt.mode.driverMode()
		if got.BaudRate != tt.want.BaudRate || got.DataBits != tt.want.DataBits ||
			got.StopBits != tt.want.StopBits || got.Parity != tt.want.Parity {
			t.Errorf("driverMode(%s) = %+v, want %+v", &tt.mode, *got, tt.want)
		}
	}
}
