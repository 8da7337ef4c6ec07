package asyncbufio

import (
	"crypto/md5"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"
)

func md5sum(fname string) string {
	f, err := os.Open(fname)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		log.Fatal(err)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Error(err)
	}
	defer os.Remove(f.Name()) // clean up

	w := NewWriter(f, 100, time.Second)
	for i := range 60 {
		sometext := fmt.Appendf(nil, "chunk %4d\n", i)
		w.Write(sometext)
		if i%20 == 9 {
			w.Flush()
		}
	}
	w.Write([]byte("final chunk\n"))
	w.Close()

	// Verify exact file contents
	actual := md5sum(f.Name())
	expected := "10112bf12ef50ea635c3362bac80fd2b"
	if actual != expected {
		t.Errorf("example file md5=%s, want %s", actual, expected)
	}

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Flush()
	t.Errorf("asyncbufio.Writer.Flush() after .Close() did not panic")
}

func TestWriteCopiesBuffer(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Error(err)
	}
	defer os.Remove(f.Name()) // clean up

	// Reuse one buffer for all writes, as fmt.Fprintf does internally.
	w := NewWriter(f, 100, time.Second)
	buf := []byte("aaaa\n")
	w.Write(buf)
	copy(buf, "bbbb\n")
	w.Write(buf)
	w.Close()

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "aaaa\nbbbb\n" {
		t.Errorf("file contents %q, want %q", data, "aaaa\nbbbb\n")
	}
}

func TestPeriodicFlush(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Error(err)
	}
	defer os.Remove(f.Name()) // clean up

	w := NewWriter(f, 100, 50*time.Millisecond)
	defer w.Close()
	w.Write([]byte("no explicit flush here\n"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stat, err := os.Stat(f.Name())
		if err != nil {
			t.Fatal(err)
		}
		if stat.Size() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("data never reached the file without an explicit Flush")
}

func TestCloseTwice(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Error(err)
	}
	defer os.Remove(f.Name()) // clean up

	w := NewWriter(f, 100, time.Second)
	w.Close()

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Close()
	t.Errorf("asyncbufio.Writer.Close() after .Close() did not panic")
}
