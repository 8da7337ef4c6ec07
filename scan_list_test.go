package lockstep

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildScanList(t *testing.T) {
	sl, err := BuildScanList([]string{"AIN0", "AIN2", "AIN4"}, []string{"STREAM_OUT0"})
	if err != nil {
		t.Fatal(err)
	}
	wantAddr := []uint16{0, 4, 8, 4800}
	if len(sl.Addresses) != len(wantAddr) {
		t.Fatalf("scan list has %d entries, want %d", len(sl.Addresses), len(wantAddr))
	}
	for i, want := range wantAddr {
		if sl.Addresses[i] != want {
			t.Errorf("Addresses[%d] = %d, want %d", i, sl.Addresses[i], want)
		}
	}
	if sl.NumInputs != 3 {
		t.Errorf("NumInputs = %d, want 3", sl.NumInputs)
	}
	if sl.Names[3] != "STREAM_OUT0" {
		t.Errorf("Names[3] = %s, want STREAM_OUT0", sl.Names[3])
	}
}

func TestBuildScanListInputsOnly(t *testing.T) {
	sl, err := BuildScanList([]string{"AIN1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sl.Addresses) != 1 || sl.Addresses[0] != 2 {
		t.Errorf("Addresses = %v, want [2]", sl.Addresses)
	}
	if sl.NumInputs != 1 {
		t.Errorf("NumInputs = %d, want 1", sl.NumInputs)
	}
}

func TestBuildScanListRejections(t *testing.T) {
	var cerr *ConfigurationError

	_, err := BuildScanList(nil, []string{"STREAM_OUT0"})
	if !errors.As(err, &cerr) {
		t.Errorf("empty inputs gave %v, want a ConfigurationError", err)
	}

	_, err = BuildScanList([]string{"AIN0", "AIN99"}, nil)
	if !errors.As(err, &cerr) {
		t.Fatalf("unknown channel gave %v, want a ConfigurationError", err)
	}
	if !strings.Contains(err.Error(), "AIN99") {
		t.Errorf("error %q should name the unknown channel", err.Error())
	}
}
