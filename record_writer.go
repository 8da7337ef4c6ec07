package lockstep

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/usnistgov/lockstep/internal/asyncbufio"
	"github.com/usnistgov/lockstep/internal/npy"
)

// RecordingState monitors the state of record-file writing. Arm points it
// at a directory; each run then opens one CSV file and one NPY file named
// after the run's ID, and every drained chunk is appended to both.
type RecordingState struct {
	Active          bool
	BasePath        string
	FilenamePattern string
	CSVFilename     string
	NPYFilename     string
	ChannelNames    []string
	rowsWritten     int
	csvFile         *os.File
	csvWriter       *asyncbufio.Writer
	npyAppender     *npy.Appender
	sync.Mutex
}

// IsActive will return rs.Active, with proper locking
func (rs *RecordingState) IsActive() bool {
	rs.Lock()
	defer rs.Unlock()
	return rs.Active
}

// IsArmed reports whether a base path has been set, so the next run will
// open record files.
func (rs *RecordingState) IsArmed() bool {
	rs.Lock()
	defer rs.Unlock()
	return rs.BasePath != ""
}

// ComputeState will return a property-by-property copy of the RecordingState.
// It will not copy the "active" features like open files and writers.
func (rs *RecordingState) ComputeState() RecordingState {
	rs.Lock()
	defer rs.Unlock()
	var copyState RecordingState
	copyState.Active = rs.Active
	copyState.BasePath = rs.BasePath
	copyState.FilenamePattern = rs.FilenamePattern
	copyState.CSVFilename = rs.CSVFilename
	copyState.NPYFilename = rs.NPYFilename
	copyState.ChannelNames = rs.ChannelNames
	copyState.rowsWritten = rs.rowsWritten
	return copyState
}

// Arm makes the directory path and remembers it, so every following run
// writes record files there until Disarm.
func (rs *RecordingState) Arm(path string) error {
	if path == "" {
		return fmt.Errorf("recording needs a non-empty base path")
	}
	if err := os.MkdirAll(path, 0775); err != nil {
		return fmt.Errorf("could not make recording directory: %v", err)
	}
	rs.Lock()
	defer rs.Unlock()
	if rs.Active {
		return fmt.Errorf("cannot change the recording path while record files are open")
	}
	rs.BasePath = path
	return nil
}

// Disarm clears the base path, so following runs write no record files.
// Any open record files are closed first.
func (rs *RecordingState) Disarm() error {
	if err := rs.Stop(); err != nil {
		return err
	}
	rs.Lock()
	defer rs.Unlock()
	rs.BasePath = ""
	return nil
}

// Start opens the record files for one run. If no base path is armed, it
// does nothing and the run simply goes unrecorded. The CSV carries a
// header row; the NPY shape is maintained in place as rows are appended,
// so the file stays loadable even if the process dies mid-run.
func (rs *RecordingState) Start(runID string, channels []string) error {
	rs.Lock()
	defer rs.Unlock()
	if rs.BasePath == "" {
		return nil
	}
	if rs.Active {
		return fmt.Errorf("record files for run %s still open; stop them first", runID)
	}
	rs.FilenamePattern = filepath.Join(rs.BasePath, fmt.Sprintf("%s_%%s.%%s", runID))
	rs.CSVFilename = fmt.Sprintf(rs.FilenamePattern, "records", "csv")
	rs.NPYFilename = fmt.Sprintf(rs.FilenamePattern, "records", "npy")

	f, err := os.Create(rs.CSVFilename)
	if err != nil {
		return fmt.Errorf("%v, filename: <%v>", err, rs.CSVFilename)
	}
	w := asyncbufio.NewWriter(f, 100, time.Second)
	header := "scan_index,timestamp_s," + strings.Join(channels, ",") + "\n"
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}

	a, err := npy.Create(rs.NPYFilename, 2+len(channels))
	if err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("%v, filename: <%v>", err, rs.NPYFilename)
	}

	rs.csvFile = f
	rs.csvWriter = w
	rs.npyAppender = a
	rs.ChannelNames = channels
	rs.rowsWritten = 0
	rs.Active = true
	return nil
}

// WriteChunk appends every whole scan in the chunk to the open record
// files: one row per scan, led by the scan index and its timestamp at
// the actual rate. Without open files it does nothing.
func (rs *RecordingState) WriteChunk(chunk *ScanChunk) error {
	rs.Lock()
	defer rs.Unlock()
	if !rs.Active {
		return nil
	}
	nscan := chunk.Scans()
	if nscan == 0 {
		return nil
	}
	var b bytes.Buffer
	rows := make([][]float64, nscan)
	for i := 0; i < nscan; i++ {
		idx := chunk.FirstScan + int64(i)
		ts := float64(idx) / chunk.ActualRate
		fmt.Fprintf(&b, "%d,%.9f", idx, ts)
		row := make([]float64, 0, chunk.Width+2)
		row = append(row, float64(idx), ts)
		for _, v := range chunk.Samples[i*chunk.Width : (i+1)*chunk.Width] {
			fmt.Fprintf(&b, ",%.8g", v)
			row = append(row, v)
		}
		b.WriteByte('\n')
		rows[i] = row
	}
	if _, err := rs.csvWriter.Write(b.Bytes()); err != nil {
		return err
	}
	if err := rs.npyAppender.Append(rows); err != nil {
		return err
	}
	rs.rowsWritten += nscan
	return nil
}

// Stop closes the record files of the current run, if any are open. The
// armed base path is kept, so the next run opens fresh files.
func (rs *RecordingState) Stop() error {
	rs.Lock()
	defer rs.Unlock()
	if !rs.Active {
		return nil
	}
	rs.Active = false
	rs.csvWriter.Close()
	if err := rs.csvFile.Close(); err != nil {
		return fmt.Errorf("failed to close record CSV file, err: %v", err)
	}
	rs.csvFile = nil
	rs.csvWriter = nil
	if err := rs.npyAppender.Close(); err != nil {
		return fmt.Errorf("failed to close record NPY file, err: %v", err)
	}
	rs.npyAppender = nil
	return nil
}
