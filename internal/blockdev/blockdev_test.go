package blockdev

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newBackend(t *testing.T, size int) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOutThenInRoundTrips(t *testing.T) {
	b := newBackend(t, 4096)
	payload := bytes.Repeat([]byte{0x5A}, 512)

	status, n, err := b.Execute(Header{Type: ReqOut, Sector: 2}, payload)
	if err != nil || status != StatusOK {
		t.Fatalf("OUT: status=%d err=%v", status, err)
	}
	if n != 1 {
		t.Fatalf("OUT written_len = %d, want 1", n)
	}

	readBuf := make([]byte, 512)
	status, n, err = b.Execute(Header{Type: ReqIn, Sector: 2}, readBuf)
	if err != nil || status != StatusOK {
		t.Fatalf("IN: status=%d err=%v", status, err)
	}
	if n != 512 {
		t.Fatalf("IN written_len = %d, want 512", n)
	}
	if !bytes.Equal(readBuf, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestFlushSucceeds(t *testing.T) {
	b := newBackend(t, 4096)
	status, n, err := b.Execute(Header{Type: ReqFlush}, nil)
	if err != nil || status != StatusOK || n != 1 {
		t.Fatalf("FLUSH: status=%d n=%d err=%v", status, n, err)
	}
}

func TestUnsupportedType(t *testing.T) {
	b := newBackend(t, 4096)
	status, _, err := b.Execute(Header{Type: 7}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusUnsupp {
		t.Fatalf("status = %d, want StatusUnsupp", status)
	}
}

func TestShortReadIsNotAnError(t *testing.T) {
	b := newBackend(t, 512) // exactly one sector
	buf := bytes.Repeat([]byte{0xFF}, 1024)
	status, n, err := b.Execute(Header{Type: ReqIn, Sector: 0}, buf)
	if err != nil {
		t.Fatalf("short read returned error: %v", err)
	}
	if status != StatusOK {
		t.Fatalf("status = %d, want StatusOK", status)
	}
	if n != uint32(len(buf)) {
		t.Fatalf("written_len = %d, want %d", n, len(buf))
	}
	// Tail beyond EOF is left untouched (still 0xFF, not zeroed).
	for _, b := range buf[512:] {
		if b != 0xFF {
			t.Fatalf("short read overwrote unread tail")
		}
	}
}

func TestCapacityRoundsUpPartialSector(t *testing.T) {
	b := newBackend(t, 513)
	cap, err := b.Capacity()
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if cap != 2 {
		t.Fatalf("Capacity = %d, want 2", cap)
	}
}

func TestIOErrorOnClosedFile(t *testing.T) {
	b := newBackend(t, 512)
	b.Close()
	status, _, err := b.Execute(Header{Type: ReqIn, Sector: 0}, make([]byte, 512))
	if err == nil {
		t.Fatalf("expected error on closed file")
	}
	if status != StatusIOErr {
		t.Fatalf("status = %d, want StatusIOErr", status)
	}
}
