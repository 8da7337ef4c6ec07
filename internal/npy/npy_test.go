package npy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
)

func TestAppenderRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "chunks.npy")
	a, err := Create(file, 3)
	if err != nil {
		t.Fatal(err)
	}

	// An empty file must already be a loadable (0, 3) array.
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(data)%headerUnits != 0 {
		t.Errorf("header length %d is not a multiple of %d", len(data), headerUnits)
	}
	checkContents(t, file, 3, nil)

	rows := [][]float64{
		{0, 1.5, -2},
		{0.25, 1.5, -2},
		{0.5, 1.5, -2},
	}
	if err := a.Append(rows); err != nil {
		t.Fatal(err)
	}
	if err := a.AppendRow([]float64{0.75, 1.5, -2}); err != nil {
		t.Fatal(err)
	}
	if a.Rows() != 4 {
		t.Errorf("Rows() = %d, want 4", a.Rows())
	}

	// The header must be current before Close: a crash mid-run should
	// still leave a loadable file.
	want := []float64{0, 1.5, -2, 0.25, 1.5, -2, 0.5, 1.5, -2, 0.75, 1.5, -2}
	checkContents(t, file, 3, want)

	if err := a.AppendRow([]float64{1, 2}); err == nil {
		t.Error("AppendRow with wrong column count should error")
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	checkContents(t, file, 3, want)
}

// checkContents parses the file with the npyio library and compares header
// shape and values against expectations.
func checkContents(t *testing.T, file string, ncols int, want []float64) {
	t.Helper()
	f, err := os.Open(file)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		t.Fatalf("npyio rejects the file: %v", err)
	}
	if r.Header.Descr.Type != "<f8" {
		t.Errorf("dtype = %q, want <f8", r.Header.Descr.Type)
	}
	if r.Header.Descr.Fortran {
		t.Error("file claims fortran order")
	}
	nrows := len(want) / ncols
	shape := r.Header.Descr.Shape
	if len(shape) != 2 || shape[0] != nrows || shape[1] != ncols {
		t.Fatalf("shape = %v, want [%d %d]", shape, nrows, ncols)
	}
	if nrows == 0 {
		return
	}
	var got []float64
	if err := r.Read(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d values, want %d", len(got), len(want))
	}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("value %d = %v, want %v", i, got[i], v)
		}
	}
}

func TestCreateRejectsBadColumnCount(t *testing.T) {
	if _, err := Create(filepath.Join(t.TempDir(), "bad.npy"), 0); err == nil {
		t.Error("Create with ncols=0 should error")
	}
}
