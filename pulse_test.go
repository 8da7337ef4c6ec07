package lockstep

import (
	"testing"
	"time"

	"github.com/usnistgov/lockstep/internal/tseries"
)

func TestSetLineState(t *testing.T) {
	nd := tseries.NewNoDevice()
	if err := SetLineState(nd, 0, true); err != nil {
		t.Fatal(err)
	}
	if v, _ := nd.WrittenValue("FIO_STATE"); v != 0xFE01 {
		t.Errorf("FIO_STATE = %#04x, want 0xFE01", int(v))
	}
	if err := SetLineState(nd, 3, false); err != nil {
		t.Fatal(err)
	}
	if v, _ := nd.WrittenValue("FIO_STATE"); v != 0xF700 {
		t.Errorf("FIO_STATE = %#04x, want 0xF700", int(v))
	}
	if err := SetLineState(nd, 8, true); err == nil {
		t.Error("line 8 should be rejected")
	}
	if err := SetLineState(nd, -1, true); err == nil {
		t.Error("line -1 should be rejected")
	}
}

func TestConfigureDirection(t *testing.T) {
	nd := tseries.NewNoDevice()
	if err := ConfigureDirection(nd, 2); err != nil {
		t.Fatal(err)
	}
	if v, ok := nd.WrittenValue("FIO_DIRECTION"); !ok || v != 0xFB04 {
		t.Errorf("FIO_DIRECTION = %#04x (%t), want 0xFB04", int(v), ok)
	}

	// Firmware without the register is tolerated, not fatal.
	nd = tseries.NewNoDevice()
	nd.RemoveRegister("FIO_DIRECTION")
	if err := ConfigureDirection(nd, 2); err != nil {
		t.Errorf("missing FIO_DIRECTION should be a no-op, got %v", err)
	}
	if _, ok := nd.WrittenValue("FIO_DIRECTION"); ok {
		t.Error("no write should have landed on the missing register")
	}
}

func TestFirePulse(t *testing.T) {
	nd := tseries.NewNoDevice()
	start := time.Now()
	if err := FirePulse(nd, 0, 0); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Errorf("pulse held for %v, want at least 1 ms", elapsed)
	}
	writes := nd.Writes()
	if len(writes) != 2 {
		t.Fatalf("FirePulse made %d writes, want 2", len(writes))
	}
	if writes[0].Name != "FIO_STATE" || writes[0].Value != 0xFE01 {
		t.Errorf("first write = %+v, want FIO_STATE 0xFE01", writes[0])
	}
	if writes[1].Name != "FIO_STATE" || writes[1].Value != 0xFE00 {
		t.Errorf("second write = %+v, want FIO_STATE 0xFE00", writes[1])
	}

	start = time.Now()
	if err := FirePulse(nd, 0, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("pulse held for %v, want at least 5 ms", elapsed)
	}
}
