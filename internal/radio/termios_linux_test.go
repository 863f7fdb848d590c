//go:build linux

package radio

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestBaudToUnix(t *testing.T) {
	if spd, err := baudToUnix(115200); err != nil || spd != unix.B115200 {
		t.Fatalf("spd=%v err=%v", spd, err)
	}
	if _, err := baudToUnix(4800); err == nil {
		t.Fatalf("expected error for unsupported baud")
	}
}

func TestMakeRaw(t *testing.T) {
	tio := &unix.Termios{
		Iflag: unix.ICRNL | unix.IXON,
		Oflag: unix.OPOST,
		Lflag: unix.ICANON | unix.ECHO,
		Cflag: unix.PARENB | unix.B9600,
	}
	makeRaw(tio, unix.B57600)

	if tio.Iflag&unix.ICRNL != 0 || tio.Oflag&unix.OPOST != 0 || tio.Lflag&unix.ICANON != 0 {
		t.Fatalf("line processing left on: %+v", tio)
	}
	if tio.Cflag&unix.PARENB != 0 || tio.Cflag&unix.CS8 != unix.CS8 || tio.Cflag&unix.CREAD == 0 {
		t.Fatalf("cflag=%#x", tio.Cflag)
	}
	if tio.Cflag&unix.CBAUD != unix.B57600 || tio.Ispeed != unix.B57600 {
		t.Fatalf("speed cflag=%#x ispeed=%#x", tio.Cflag&unix.CBAUD, tio.Ispeed)
	}
	if tio.Cc[unix.VMIN] != 1 || tio.Cc[unix.VTIME] != 0 {
		t.Fatalf("vmin=%d vtime=%d", tio.Cc[unix.VMIN], tio.Cc[unix.VTIME])
	}
}
