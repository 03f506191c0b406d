package transport

import (
	"encoding/binary"
	"io"
	"net"
	"time"
)

func deadlineNow() time.Time { return time.Now() }

// listenUDPConn opens a UDP socket bound to addr (or any free port when
// addr is empty), the raw packet conn the QUIC backend is built on.
func listenUDPConn(addr string) (*net.UDPConn, error) {
	var laddr *net.UDPAddr
	if addr != "" {
		a, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		laddr = a
	}
	return net.ListenUDP("udp", laddr)
}

func resolveUDPAddr(addr string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

// writeFramed writes a 4-byte big-endian length prefix followed by data,
// the length-prefixed framing shared by the TCP and QUIC backends.
func writeFramed(w io.Writer, data []byte) (int, error) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return n + len(header), err
}

// readFramed reads one length-prefixed frame into buf, returning the
// payload length. Returns an error if the frame exceeds len(buf).
func readFramed(r io.Reader, buf []byte) (int, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if int(n) > len(buf) {
		return 0, &frameTooLargeError{Size: int(n), Capacity: len(buf)}
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, err
	}
	return int(n), nil
}

type frameTooLargeError struct {
	Size, Capacity int
}

func (e *frameTooLargeError) Error() string {
	return "transport: framed message exceeds buffer capacity"
}
