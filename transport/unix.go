// Package transport provides raw byte transports for bus connections.
package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is a raw, authenticated bus connection.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data. The caller owns the
	// returned files.
	GetFiles(n int) ([]*os.File, error)
}

// Credentials identifies the process at the far end of a unix
// socket.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerCredentials returns the credentials of t's peer, as reported
// by the kernel. It fails for transports that are not unix sockets.
func PeerCredentials(t Transport) (Credentials, error) {
	u, ok := t.(*unixTransport)
	if !ok {
		return Credentials{}, errors.New("peer credentials are only available on unix sockets")
	}
	raw, err := u.conn.SyscallConn()
	if err != nil {
		return Credentials{}, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Credentials{}, err
	}
	if credErr != nil {
		return Credentials{}, credErr
	}
	return Credentials{
		PID: cred.Pid,
		UID: cred.Uid,
		GID: cred.Gid,
	}, nil
}

// DialUnix connects to the bus listening on the unix socket at path,
// and authenticates with SASL EXTERNAL. Paths starting with '@'
// name sockets in the abstract namespace.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	conn := c.(*net.UnixConn)

	ret := &unixTransport{
		conn: conn,
		fds:  queue.New[*os.File](),
	}
	ret.buf = bufio.NewReader(funcReader(ret.readToBuf))

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}

	if err := ret.conn.SetDeadline(deadline); err != nil {
		ret.Close()
		return nil, err
	}
	if err := ret.auth(os.Getuid()); err != nil {
		ret.Close()
		return nil, err
	}
	if err := ret.conn.SetDeadline(time.Time{}); err != nil {
		ret.Close()
		return nil, err
	}

	return ret, nil
}

// unixTransport is a Transport that runs over a Unix domain socket.
type unixTransport struct {
	conn *net.UnixConn
	oob  [512]byte
	buf  *bufio.Reader
	fds  *queue.Queue[*os.File]
}

func (u *unixTransport) Read(bs []byte) (int, error) {
	return u.buf.Read(bs)
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixTransport) Close() error {
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	return u.conn.Close()
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

// authPreamble returns the client side of the SASL handshake for
// the given uid.
func authPreamble(uid int) string {
	return "\x00AUTH EXTERNAL " + hex.EncodeToString([]byte(strconv.Itoa(uid))) + "\r\nNEGOTIATE_UNIX_FD\r\nBEGIN\r\n"
}

func (u *unixTransport) auth(uid int) error {
	// Over a unix socket, the bus authenticates clients with the
	// peer credentials it pulls from the socket. The handshake is a
	// fixed preamble, and a check that the response has the
	// expected happy path shape.
	if _, err := io.WriteString(u.conn, authPreamble(uid)); err != nil {
		return err
	}

	resp, err := u.buf.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "OK ") {
		return fmt.Errorf("AUTH EXTERNAL failed, server said %q", strings.TrimSpace(resp))
	}

	resp, err = u.buf.ReadString('\n')
	if err != nil {
		return err
	}
	if resp != "AGREE_UNIX_FD\r\n" {
		return fmt.Errorf("NEGOTIATE_UNIX_FD failed, server said %q", strings.TrimSpace(resp))
	}

	return nil
}

func (u *unixTransport) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		u.Close()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			u.Close()
			return 0, oobErr
		}
	}
	return n, err
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Keep parsing on errors, so that every received descriptor is
	// either queued or closed.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on bus socket", fd))
			} else {
				u.fds.Add(f)
			}
		}
	}

	return errors.Join(errs...)
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) {
	return f(bs)
}
