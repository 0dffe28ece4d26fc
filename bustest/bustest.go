// Package bustest provides a helper to run an isolated message bus
// instance in tests.
package bustest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danderson/gvariant/bus"
	"github.com/rs/zerolog"
)

//go:embed bus.config
var busConfig string

// Available reports whether the required binaries are available for
// testing against a real message bus.
func Available() bool {
	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		return false
	}
	_, err := exec.LookPath("dbus-monitor")
	return err == nil
}

// Bus is an isolated message bus instance for tests.
type Bus struct {
	bus  *exec.Cmd
	mon  *exec.Cmd
	lw   *logWriter
	sock string

	stop       chan struct{}
	busStopped chan struct{}
	monStopped chan struct{}
}

// New launches a message bus dedicated to the calling test.
//
// If [Available] is false, New calls t.Skip to skip the calling test.
//
// If logMonitor is true, the returned bus logs all bus messages using
// t.Logf.
func New(t *testing.T, logMonitor bool) *Bus {
	t.Helper()
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(busConfig), 0600); err != nil {
		t.Fatal(err)
	}

	ret := &Bus{
		sock:       filepath.Join(tmp, "bus.sock"),
		stop:       make(chan struct{}),
		busStopped: make(chan struct{}),
		monStopped: make(chan struct{}),
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog", "--address="+ret.Address())
	ret.bus.Stdout = os.Stdout
	ret.bus.Stderr = os.Stderr
	if err := ret.bus.Start(); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(func() { ret.close(t) })

	go func() {
		defer close(ret.busStopped)
		err := ret.bus.Wait()
		select {
		case <-ret.stop:
		default:
			panic(fmt.Errorf("bus stopped prematurely: %w", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		_, err := os.Stat(ret.sock)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("waiting for bus socket: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if !logMonitor {
		close(ret.monStopped)
		return ret
	}

	ret.lw = newLogWriter(t)
	ret.mon = exec.Command("dbus-monitor", "--address", ret.Address())
	ret.mon.Stdout = ret.lw
	ret.mon.Stderr = ret.lw
	if err := ret.mon.Start(); err != nil {
		t.Fatalf("starting monitor: %v", err)
	}
	go func() {
		defer close(ret.monStopped)
		err := ret.mon.Wait()
		select {
		case <-ret.stop:
		default:
			panic(fmt.Errorf("dbus-monitor stopped prematurely: %w", err))
		}
		ret.lw.Flush()
	}()
	if err := ret.lw.WaitForFirstLine(ctx); err != nil {
		t.Fatalf("waiting for monitor: %v", err)
	}
	return ret
}

func (b *Bus) close(t *testing.T) {
	close(b.stop)
	b.bus.Process.Kill()
	if b.mon != nil {
		b.mon.Process.Kill()
	}
	timeout := time.After(10 * time.Second)
	select {
	case <-b.busStopped:
	case <-timeout:
		t.Log("timed out waiting for bus to stop")
	}
	select {
	case <-b.monStopped:
	case <-timeout:
		t.Log("timed out waiting for dbus-monitor to stop")
	}
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the bus address, in the form accepted by
// [bus.Dial].
func (b *Bus) Address() string {
	return bus.Address{Path: b.sock}.String()
}

// MustConn returns a connection to the bus. It causes an immediate
// test failure with t.Fatal if it is unable to connect.
//
// The connection logs to t, and is closed when the test ends.
func (b *Bus) MustConn(t *testing.T) *bus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	ret, err := bus.Dial(ctx, b.Address(), bus.WithLogger(log))
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

// logWriter forwards dbus-monitor output to a test log, one message
// per log call.
type logWriter struct {
	output chan struct{}
	t      *testing.T

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		output: make(chan struct{}, 1),
		t:      t,
	}
}

func (l *logWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushComplete()
	if l.buf.Len() > 0 {
		l.t.Log(l.buf.String())
	}
	l.buf.Reset()
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(bs)
	l.flushComplete()
	return len(bs), nil
}

// flushComplete logs every complete message in the buffer. A message
// is complete once the next one starts.
func (l *logWriter) flushComplete() {
	bs := l.buf.Bytes()
	total := 0
	for {
		i := bytes.IndexByte(bs, '\n')
		if i == -1 {
			return
		}
		total += i
		bs = bs[i+1:]
		if !bytes.HasPrefix(bs, []byte("method ")) && !bytes.HasPrefix(bs, []byte("signal ")) && !bytes.HasPrefix(bs, []byte("error ")) {
			total++
			continue
		}

		out := l.buf.Next(total)
		l.t.Log(string(out))
		l.buf.Next(1)
		select {
		case l.output <- struct{}{}:
		default:
		}
		total = 0
		bs = l.buf.Bytes()
	}
}

func (l *logWriter) WaitForFirstLine(ctx context.Context) error {
	select {
	case <-l.output:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
