// Package tundev defines the TUN device boundary the core consumes and a
// Linux ioctl-based implementation, grounded on the teacher's net/tun.go.
// Device creation, addressing, and MTU assignment are external concerns;
// the core only reads and writes whole IP packets.
package tundev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"meshnet/internal/meshnet/errs"
)

// Device is the boundary the VPN core depends on: open, start a reader
// that invokes handler per packet, write a packet, close.
type Device interface {
	Open() error
	StartReading(handler func([]byte)) error
	Write(packet []byte) (int, error)
	Close() error
}

const (
	ifReqSize = 40
	tunPath   = "/dev/net/tun"

	// iffTUN + iffNoPI: layer-3 device, no packet-info prefix.
	iffTUN   = 0x0001
	iffNoPI  = 0x1000
	tunSetIf = 0x400454ca
)

// LinuxTUN opens a kernel TUN interface via ioctl(TUNSETIFF).
type LinuxTUN struct {
	Name string
	MTU  int

	file    *os.File
	stopped chan struct{}
}

// NewLinuxTUN constructs an unopened device for the given interface name.
func NewLinuxTUN(name string, mtu int) *LinuxTUN {
	return &LinuxTUN{Name: name, MTU: mtu}
}

// Open creates or acquires the named kernel interface.
func (t *LinuxTUN) Open() error {
	f, err := os.OpenFile(tunPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", errs.ErrTun, tunPath, err)
	}

	var req [ifReqSize]byte
	copy(req[:16], t.Name)
	*(*uint16)(unsafe.Pointer(&req[16])) = iffTUN | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), tunSetIf, uintptr(unsafe.Pointer(&req[0]))); errno != 0 {
		f.Close()
		return fmt.Errorf("%w: TUNSETIFF: %v", errs.ErrTun, errno)
	}

	t.file = f
	t.stopped = make(chan struct{})
	return nil
}

// StartReading spawns a goroutine that reads packets (MTU+64 buffer) until
// Close, invoking handler with each one.
func (t *LinuxTUN) StartReading(handler func([]byte)) error {
	if t.file == nil {
		return fmt.Errorf("%w: device not open", errs.ErrTun)
	}
	bufSize := t.MTU + 64
	go func() {
		buf := make([]byte, bufSize)
		for {
			select {
			case <-t.stopped:
				return
			default:
			}
			n, err := t.file.Read(buf)
			if err != nil {
				return
			}
			packet := make([]byte, n)
			copy(packet, buf[:n])
			handler(packet)
		}
	}()
	return nil
}

// Write sends one IP packet out the interface.
func (t *LinuxTUN) Write(packet []byte) (int, error) {
	if t.file == nil {
		return 0, fmt.Errorf("%w: device not open", errs.ErrTun)
	}
	n, err := t.file.Write(packet)
	if err != nil {
		return n, fmt.Errorf("%w: write: %v", errs.ErrTun, err)
	}
	return n, nil
}

// Close stops the reader and releases the file descriptor.
func (t *LinuxTUN) Close() error {
	if t.stopped != nil {
		close(t.stopped)
	}
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

var _ Device = (*LinuxTUN)(nil)
