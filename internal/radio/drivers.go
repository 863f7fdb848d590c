package radio

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud matches the receiver firmware.
const DefaultBaud = 115200

const tcpDialTimeout = 3 * time.Second

func openerFor(driver string) (Opener, error) {
	switch driver {
	case "serial":
		return openSerialPort, nil
	case "termios":
		return openTermios, nil
	case "tcp":
		return openTCP, nil
	default:
		return nil, fmt.Errorf("radio: unknown driver %q (want serial, termios or tcp)", driver)
	}
}

func openSerialPort(port string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// openTCP connects to a serial-over-TCP bridge (ser2net and friends). The
// port is host:port and baud is ignored.
func openTCP(addr string, _ int) (io.ReadWriteCloser, error) {
	conn, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
