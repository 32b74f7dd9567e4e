package dbusrpc_test

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbusrpc"
	"github.com/danderson/dbusrpc/dbustest"
)

// Set to true to log all bus traffic while debugging tests.
const logBusTraffic = false

func TestBus(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)
	conn := bus.MustConn(t, dbusrpc.ConnOptions{})
	ctx := context.Background()

	if got := conn.LocalName(); !strings.HasPrefix(got, ":1.") {
		t.Errorf("LocalName() = %q, want a unique name", got)
	}

	names, err := conn.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames() failed: %v", err)
	}
	for _, want := range []string{"org.freedesktop.DBus", conn.LocalName()} {
		if !slices.Contains(names, want) {
			t.Errorf("ListNames() = %q, missing %q", names, want)
		}
	}

	id, err := conn.GetBusID(ctx)
	if err != nil {
		t.Fatalf("GetBusID() failed: %v", err)
	}
	if len(id) != 32 {
		t.Errorf("GetBusID() = %q, want 32 hex digits", id)
	}

	if err := conn.Peer("org.freedesktop.DBus").Ping(ctx); err != nil {
		t.Errorf("pinging bus failed: %v", err)
	}

	uid, err := conn.GetPeerUID(ctx, conn.LocalName())
	if err != nil {
		t.Fatalf("GetPeerUID() failed: %v", err)
	}
	if want := uint32(os.Getuid()); uid != want {
		t.Errorf("GetPeerUID() = %d, want %d", uid, want)
	}
	pid, err := conn.GetPeerPID(ctx, conn.LocalName())
	if err != nil {
		t.Fatalf("GetPeerPID() failed: %v", err)
	}
	if want := uint32(os.Getpid()); pid != want {
		t.Errorf("GetPeerPID() = %d, want %d", pid, want)
	}
}

func TestNames(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)
	a := bus.MustConn(t, dbusrpc.ConnOptions{})
	b := bus.MustConn(t, dbusrpc.ConnOptions{})
	ctx := context.Background()

	const name = "org.example.Test"
	primary, err := a.RequestName(ctx, name, dbusrpc.NameRequestNoQueue)
	if err != nil {
		t.Fatalf("RequestName() failed: %v", err)
	}
	if !primary {
		t.Fatal("RequestName() did not make conn the primary owner")
	}
	if _, err := b.RequestName(ctx, name, dbusrpc.NameRequestNoQueue); err == nil {
		t.Error("second RequestName() succeeded, want error")
	}

	has, err := b.NameHasOwner(ctx, name)
	if err != nil || !has {
		t.Errorf("NameHasOwner() = %v, %v, want true", has, err)
	}
	owner, err := b.Peer(name).Owner(ctx)
	if err != nil {
		t.Fatalf("Owner() failed: %v", err)
	}
	if owner != a.LocalName() {
		t.Errorf("Owner() = %q, want %q", owner, a.LocalName())
	}

	if err := a.ReleaseName(ctx, name); err != nil {
		t.Fatalf("ReleaseName() failed: %v", err)
	}
	has, err = b.NameHasOwner(ctx, name)
	if err != nil || has {
		t.Errorf("NameHasOwner() after release = %v, %v, want false", has, err)
	}
}

func TestRemoteErrors(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)
	a := bus.MustConn(t, dbusrpc.ConnOptions{})
	b := bus.MustConn(t, dbusrpc.ConnOptions{})
	ctx := context.Background()

	// Connections don't export objects, so they refuse every call.
	_, err := b.Peer(a.LocalName()).Object("/org/example").Interface("org.example.Thing").Call(ctx, "Frob", "x")
	var re *dbusrpc.RemoteError
	if !errors.As(err, &re) || re.Name != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Errorf("call to conn got err %v, want UnknownMethod", err)
	}

	_, err = b.Peer("org.example.Missing").Object("/").Interface("org.example.Thing").Call(ctx, "Frob")
	if !errors.As(err, &re) || re.Name != "org.freedesktop.DBus.Error.ServiceUnknown" {
		t.Errorf("call to missing peer got err %v, want ServiceUnknown", err)
	}

	_, err = dbusrpc.CallValue[string](ctx, b.Peer("org.freedesktop.DBus").Object("/org/freedesktop/DBus").Interface("org.freedesktop.DBus"), "GetNameOwner", "org.example.Missing")
	if !errors.As(err, &re) || re.Name != "org.freedesktop.DBus.Error.NameHasNoOwner" {
		t.Errorf("GetNameOwner(missing) got err %v, want NameHasNoOwner", err)
	}

	// The reply to a method with the wrong return type is refused
	// locally.
	_, err = dbusrpc.CallValue[uint32](ctx, b.Peer("org.freedesktop.DBus").Object("/org/freedesktop/DBus").Interface("org.freedesktop.DBus"), "GetId")
	if !errors.As(err, new(*dbusrpc.TypeMismatchError)) {
		t.Errorf("GetId as uint32 got err %v, want TypeMismatchError", err)
	}
}

func TestDispatchModes(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)
	conn := bus.MustConn(t, dbusrpc.ConnOptions{})
	ctx := context.Background()
	listNames := conn.Bus().Method("ListNames")

	want, err := conn.ListNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(want)

	r, err := conn.Bus().CallAsync(ctx, listNames)
	if err != nil {
		t.Fatalf("CallAsync(ListNames) failed: %v", err)
	}
	got, err := dbusrpc.Await[[]string](ctx, r)
	if err != nil {
		t.Fatalf("Await(ListNames) failed: %v", err)
	}
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Errorf("async ListNames() = %q, want %q", got, want)
	}

	results := make(chan []string, 1)
	err = conn.Bus().CallWithCallback(ctx, listNames, dbusrpc.OnReply(func(names []string, err error) {
		if err != nil {
			t.Errorf("callback ListNames() failed: %v", err)
		}
		results <- names
	}))
	if err != nil {
		t.Fatalf("CallWithCallback(ListNames) failed: %v", err)
	}
	select {
	case got := <-results:
		slices.Sort(got)
		if !slices.Equal(got, want) {
			t.Errorf("callback ListNames() = %q, want %q", got, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestConcurrentCalls(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)
	conn := bus.MustConn(t, dbusrpc.ConnOptions{})
	ctx := context.Background()

	id, err := conn.GetBusID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	g := taskgroup.New(nil)
	for range 50 {
		g.Go(func() error {
			got, err := conn.GetBusID(ctx)
			if err != nil {
				return err
			}
			if got != id {
				return errors.New("GetBusID returned a different ID")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
