package shmrb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Listener accepts connections from injected agents over a
// SOCK_SEQPACKET Unix socket and receives each agent's shared ring
// buffer fd via SCM_RIGHTS, mirroring RingbufWriter::write_fd's wire
// protocol from the consumer side.
type Listener struct {
	fd   int
	path string
}

// Listen creates and binds the handshake socket at path. Any stale
// socket file left over from a previous run is removed first.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("shmrb: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmrb: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmrb: listen: %w", err)
	}
	return &Listener{fd: fd, path: path}, nil
}

func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	_ = os.Remove(l.path)
	return err
}

// Accept blocks for one agent to connect, receives its measurement
// type and shared ring buffer fd, and returns them. Callers pass the
// fd to NewReader.
func (l *Listener) Accept() (shmFD int, mtype MeasurementType, err error) {
	connFD, _, err := unix.Accept(l.fd)
	if err != nil {
		return -1, 0, fmt.Errorf("shmrb: accept: %w", err)
	}
	defer unix.Close(connFD)

	buf := make([]byte, 8)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(connFD, buf, oob, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("shmrb: recvmsg: %w", err)
	}
	if n < 8 {
		return -1, 0, fmt.Errorf("shmrb: handshake message too short (%d bytes)", n)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		return -1, 0, fmt.Errorf("shmrb: no control message in handshake")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return -1, 0, fmt.Errorf("shmrb: no fd in handshake control message")
	}

	mtype = MeasurementType(nativeEndian.Uint64(buf))
	return fds[0], mtype, nil
}

// sendFD is the producer-side half of the handshake: connect to
// socketPath and hand over shmFD along with the measurement type tag,
// matching RingbufWriter::write_fd.
func sendFD(socketPath string, shmFD int, mtype MeasurementType) error {
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return fmt.Errorf("shmrb: socket: %w", err)
	}
	defer unix.Close(sock)

	addr := &unix.SockaddrUnix{Name: socketPath}
	if err := unix.Connect(sock, addr); err != nil {
		return fmt.Errorf("shmrb: connect %s: %w", socketPath, err)
	}

	buf := make([]byte, 8)
	nativeEndian.PutUint64(buf, uint64(mtype))
	rights := unix.UnixRights(shmFD)
	return unix.Sendmsg(sock, buf, rights, nil, 0)
}
