package pms

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// DefaultBaudRate is the PMS7003 factory setting (9600 8N1)
const DefaultBaudRate = 9600

// OpenSerial opens the sensor UART
func OpenSerial(port string, baud int) (io.ReadCloser, error) {
	if port == "" {
		return nil, fmt.Errorf("serial port cannot be empty")
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %v", port, err)
	}
	return p, nil
}
