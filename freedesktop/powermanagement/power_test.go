package powermanagement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/danderson/dbusrpc"
	"github.com/danderson/dbusrpc/freedesktop/powermanagement"
)

func TestBind(t *testing.T) {
	pm, err := powermanagement.New(nil)
	if err != nil {
		t.Fatalf("New(nil) failed: %v", err)
	}
	if got, want := pm.Sleep.InterfaceName(), "org.freedesktop.PowerManagement"; got != want {
		t.Errorf("Sleep interface = %q, want %q", got, want)
	}
	if got, want := pm.Inhibitor.InterfaceName(), "org.freedesktop.PowerManagement.Inhibit"; got != want {
		t.Errorf("Inhibitor interface = %q, want %q", got, want)
	}

	m := pm.Sleep.Method("ShouldSavePower")
	if m == nil {
		t.Fatal("ShouldSavePower not bound")
	}
	if m.Member != "GetPowerSaveStatus" {
		t.Errorf("ShouldSavePower member = %q, want GetPowerSaveStatus", m.Member)
	}
	if got := pm.Inhibitor.Method("Inhibit").Signature().String(); got != "ss" {
		t.Errorf("Inhibit signature = %q, want \"ss\"", got)
	}

	if _, err := pm.InhibitSleep(context.Background(), "test", "testing"); !errors.As(err, new(*dbusrpc.NotConnectedError)) {
		t.Errorf("InhibitSleep without conn got err %v, want NotConnectedError", err)
	}
	if err := pm.Suspend(context.Background()); !errors.As(err, new(*dbusrpc.NotConnectedError)) {
		t.Errorf("Suspend without conn got err %v, want NotConnectedError", err)
	}
}
