// Package dbustest provides a helper to run an isolated bus
// instance in tests.
package dbustest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbusrpc"
	"github.com/sirupsen/logrus"
)

// dbusConfig is a session bus configuration that lets any client
// own any name and talk to anyone.
const dbusConfig = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:tmpdir=/tmp</listen>
  <auth>EXTERNAL</auth>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>
`

const timeout = 10 * time.Second

// Available reports whether the required binaries are available for
// testing against a real DBus server.
func Available() bool {
	for _, bin := range []string{"dbus-daemon", "dbus-monitor"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Bus is an isolated DBus instance for tests.
type Bus struct {
	sock     string
	cmds     []*exec.Cmd
	procs    *taskgroup.Group
	stopping atomic.Bool
}

// New launches a DBus instance dedicated to the calling test. The bus
// is stopped when the test completes, and the test fails if the bus
// exited on its own before then.
//
// If [Available] is false, New calls t.Skip to skip the calling test.
//
// If logMonitor is true, the returned bus logs all bus messages using
// t.Log.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(dbusConfig), 0600); err != nil {
		t.Fatal(err)
	}

	ret := &Bus{
		sock:  filepath.Join(tmp, "bus.sock"),
		procs: taskgroup.New(nil),
	}
	t.Cleanup(func() { ret.close(t) })

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// The daemon prints its address once it is listening.
	daemon := exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog", "--print-address", "--address=unix:path="+ret.sock)
	err := ret.run(ctx, daemon, func(sc *bufio.Scanner, ready func()) {
		if sc.Scan() {
			ready()
		}
	})
	if err != nil {
		t.Fatalf("starting bus: %v", err)
	}

	if logMonitor {
		log := testLogger(t).WithField("source", "dbus-monitor")
		mon := exec.Command("dbus-monitor", "--address", "unix:path="+ret.sock)
		err := ret.run(ctx, mon, func(sc *bufio.Scanner, ready func()) {
			logMessages(sc, log, ready)
		})
		if err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
	}

	return ret
}

// run starts cmd and passes its output to read. It returns once read
// calls ready, or with an error if cmd exits or ctx ends first.
func (b *Bus) run(ctx context.Context, cmd *exec.Cmd, read func(sc *bufio.Scanner, ready func())) error {
	cmd.Stderr = os.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	b.cmds = append(b.cmds, cmd)

	name := filepath.Base(cmd.Path)
	readyc := make(chan struct{})
	exited := make(chan struct{})
	var once sync.Once
	b.procs.Go(func() error {
		defer close(exited)
		sc := bufio.NewScanner(out)
		sc.Buffer(nil, 1<<20)
		read(sc, func() { once.Do(func() { close(readyc) }) })
		io.Copy(io.Discard, out)
		err := cmd.Wait()
		if b.stopping.Load() {
			return nil
		}
		return fmt.Errorf("%s stopped prematurely: %v", name, err)
	})

	select {
	case <-readyc:
		return nil
	case <-exited:
		select {
		case <-readyc:
			return nil
		default:
			return fmt.Errorf("%s exited during startup", name)
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", name, ctx.Err())
	}
}

func (b *Bus) close(t *testing.T) {
	b.stopping.Store(true)
	for _, cmd := range b.cmds {
		cmd.Process.Kill()
	}
	done := make(chan error, 1)
	go func() { done <- b.procs.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("test bus: %v", err)
		}
	case <-time.After(timeout):
		t.Error("timed out waiting for test bus to stop")
	}
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// MustConn returns a connection to the bus, configured with opts. It
// causes an immediate test failure with t.Fatal if it is unable to
// connect. The connection is closed when the test completes.
func (b *Bus) MustConn(t *testing.T, opts dbusrpc.ConnOptions) *dbusrpc.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ret, err := dbusrpc.Dial(ctx, b.sock, opts)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

// testLogger returns a logger that writes to t.Log.
func testLogger(t *testing.T) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(testWriter{t})
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableQuote: true})
	return logrus.NewEntry(log)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(bs []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(bs), "\n"))
	return len(bs), nil
}

// logMessages logs each message printed by dbus-monitor as a single
// entry. A message is a header line naming its type, followed by
// indented body lines. ready is called at the first header.
func logMessages(sc *bufio.Scanner, log *logrus.Entry, ready func()) {
	var msg []string
	flush := func() {
		if len(msg) > 0 {
			log.Info(strings.Join(msg, "\n"))
			msg = msg[:0]
		}
	}
	for sc.Scan() {
		line := sc.Text()
		if isMessageStart(line) {
			flush()
			ready()
		}
		if line != "" {
			msg = append(msg, line)
		}
	}
	flush()
}

func isMessageStart(line string) bool {
	for _, prefix := range []string{"method ", "signal ", "error "} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
