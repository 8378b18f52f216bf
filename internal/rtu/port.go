package rtu

import (
	"fmt"
	"time"

	"github.com/goburrow/serial"
)

// Port is the half-duplex byte pipe the bridge drives. Read returns
// whatever is currently available (possibly nothing); it must not block
// longer than the port's polling granularity.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

type serialPort struct {
	port serial.Port
}

// OpenSerial opens an RS-485 serial device at 8N1 with a short read
// timeout so the poller can drive the bus with non-blocking style reads.
func OpenSerial(device string, baudRate int) (Port, error) {
	port, err := serial.Open(&serial.Config{
		Address:  device,
		BaudRate: baudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	return &serialPort{port: port}, nil
}

func (s *serialPort) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err == serial.ErrTimeout {
		return n, nil
	}
	return n, err
}

func (s *serialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialPort) Close() error {
	return s.port.Close()
}

// Drain discards any buffered input, up to a small bound.
func Drain(p Port) {
	buf := make([]byte, 64)
	for i := 0; i < 8; i++ {
		n, err := p.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}
