//go:build linux

// Package cansocket ingests raw CAN frames from a Linux SocketCAN
// interface into the ingress queue, adapted from the teacher's J1939
// socket reader (cmd/agent-j1939/bus.go), generalized from the
// J1939-specific SOCK_DGRAM/CAN_J1939 binding to a plain
// SOCK_RAW/CAN_RAW socket carrying arbitrary classic/FD frames.
package cansocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"

	"github.com/rakyury/racedash/internal/ingress"
)

// classicFrameSize is sizeof(struct can_frame): 4-byte id, 1-byte len,
// 3 bytes padding, 8 bytes data.
const classicFrameSize = 16

// fdFrameSize is sizeof(struct canfd_frame): 4-byte id, 1-byte len,
// 1-byte flags, 2 bytes padding, 64 bytes data.
const fdFrameSize = 72

// Socket reads frames off a SocketCAN interface and publishes them into
// the ingress queue.
type Socket struct {
	fd        int
	ifaceName string
	stopChan  chan struct{}
	out       *ingress.Queue
	log       *log.Logger
}

// Open binds a CAN_RAW socket to the named interface (e.g. "can0"),
// mirroring the teacher's NewBus but for generic CAN traffic rather
// than J1939's addressed transport.
func Open(ifaceName string, out *ingress.Queue, logger *log.Logger) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("cansocket: socket: %w", err)
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cansocket: InterfaceByName %q: %w", ifaceName, err)
	}

	// Enable FD frame reception alongside classic frames.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cansocket: enable FD frames: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cansocket: bind %q: %w", ifaceName, err)
	}

	return &Socket{fd: fd, ifaceName: ifaceName, stopChan: make(chan struct{}), out: out, log: logger}, nil
}

// Start launches the read goroutine.
func (s *Socket) Start() {
	go s.readFrames()
}

// Stop closes the socket, unblocking the read goroutine.
func (s *Socket) Stop() error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	if s.fd == -1 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func (s *Socket) readFrames() {
	buf := make([]byte, fdFrameSize)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EBADF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.log != nil {
				s.log.Printf("[cansocket] recvfrom %s: %v", s.ifaceName, err)
			}
			continue
		}

		frame, ok := decodeFrame(buf[:n])
		if !ok {
			continue
		}
		frame.Iface = s.ifaceName
		s.out.PublishCanFrame(frame)
	}
}

// decodeFrame parses either a classic or an FD SocketCAN wire frame
// into the ingress package's CanFrame representation.
func decodeFrame(raw []byte) (ingress.CanFrame, bool) {
	if len(raw) < classicFrameSize {
		return ingress.CanFrame{}, false
	}

	canID := binary.LittleEndian.Uint32(raw[0:4])
	extended := canID&unix.CAN_EFF_FLAG != 0
	rtr := canID&unix.CAN_RTR_FLAG != 0
	id := canID & unix.CAN_EFF_MASK
	if !extended {
		id = canID & unix.CAN_SFF_MASK
	}

	dlc := raw[4]
	fd := len(raw) >= fdFrameSize
	var brs bool
	dataOffset := 8
	if fd {
		flags := raw[5]
		brs = flags&unix.CANFD_BRS != 0
	}

	var f ingress.CanFrame
	f.ID = id
	f.Extended = extended
	f.FD = fd
	f.BRS = brs
	f.RTR = rtr
	f.DLC = dlc
	copy(f.Data[:], raw[dataOffset:])
	return f, true
}
