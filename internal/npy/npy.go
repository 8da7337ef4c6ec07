// Package npy writes numpy *.npy files whose row count grows as data
// arrives. The shape field in the header is space-padded so it can be
// rewritten in place after each append, keeping the file loadable even if
// the process dies before Close.
package npy

import (
	"fmt"
	"os"

	"github.com/usnistgov/lockstep/internal/getbytes"
)

// npy file header must be a multiple of 64 bytes
const headerUnits = 64

// An Appender writes a 2-D float64 array ('<f8', C order) one batch of
// rows at a time.
type Appender struct {
	f        *os.File
	ncols    int
	shapePtr int64
	rows     int
}

// Create opens filename for writing and lays down a version 1.0 npy header
// describing a (0, ncols) float64 array. The row count occupies a fixed
// ten characters so Append can rewrite it without moving the data.
func Create(filename string, ncols int) (*Appender, error) {
	if ncols < 1 {
		return nil, fmt.Errorf("npy.Create: ncols=%d, want at least 1", ncols)
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}

	header := []byte{0x93, 0x4e, 0x55, 0x4d, 0x50, 0x59, 0x01, 0, 0, 0}
	header = append(header, []byte("{'descr': '<f8', 'fortran_order': False, 'shape': (")...)
	shapePtr := int64(len(header))
	header = append(header, []byte(fmt.Sprintf("%-10d", 0))...)
	header = append(header, []byte(fmt.Sprintf(", %d), }", ncols))...)

	// Put header size into bytes 8-9, little-endian. It's a multiple of 64 bytes.
	const preheaderSize = 10
	nunits := (len(header) + headerUnits) / headerUnits
	headerSize := nunits*headerUnits - preheaderSize
	header[8] = byte(headerSize % 256)
	header[9] = byte(headerSize / 256)

	// Pad with spaces plus one newline (0x20 and 0x0a, respectively) to the promised size.
	npad := headerSize + preheaderSize - (1 + len(header))
	for i := 0; i < npad; i++ {
		header = append(header, 0x20)
	}
	header = append(header, 0x0a)

	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return &Appender{f: f, ncols: ncols, shapePtr: shapePtr}, nil
}

// Append writes the given rows to the end of the file, then refreshes the
// row count in the header. Every row must hold exactly ncols values.
func (a *Appender) Append(rows [][]float64) error {
	for _, row := range rows {
		if len(row) != a.ncols {
			return fmt.Errorf("npy.Append: row holds %d values, file holds %d columns",
				len(row), a.ncols)
		}
		if _, err := a.f.Write(getbytes.FromSliceFloat64(row)); err != nil {
			return err
		}
	}
	a.rows += len(rows)
	shape := fmt.Sprintf("%-10d", a.rows)
	_, err := a.f.WriteAt([]byte(shape), a.shapePtr)
	return err
}

// AppendRow writes a single row.
func (a *Appender) AppendRow(row []float64) error {
	return a.Append([][]float64{row})
}

// Rows returns the number of rows written so far.
func (a *Appender) Rows() int { return a.rows }

// Close releases the underlying file. The header is already current, so
// no final rewrite is needed.
func (a *Appender) Close() error {
	return a.f.Close()
}
