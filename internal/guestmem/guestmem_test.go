package guestmem

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	r := New(make([]byte, 4096))
	want := []byte{1, 2, 3, 4, 5}
	if err := r.WriteAt(0x100, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := r.ReadAt(0x100, len(want))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestUint32RoundTrip(t *testing.T) {
	r := New(make([]byte, 4096))
	if err := r.PutUint32At(0x10, 0xdeadbeef); err != nil {
		t.Fatalf("PutUint32At: %v", err)
	}
	v, err := r.Uint32At(0x10)
	if err != nil {
		t.Fatalf("Uint32At: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("got 0x%x, want 0xdeadbeef", v)
	}
}

func TestOutOfBoundsFails(t *testing.T) {
	r := New(make([]byte, 16))
	if _, err := r.ReadAt(10, 16); !errors.Is(err, ErrBadGuestAddress) {
		t.Fatalf("expected ErrBadGuestAddress, got %v", err)
	}
	if _, err := r.Slice(1<<63, 1); !errors.Is(err, ErrBadGuestAddress) {
		t.Fatalf("expected ErrBadGuestAddress for an address far past the end, got %v", err)
	}
}

func TestSliceAliasesBacking(t *testing.T) {
	r := New(make([]byte, 16))
	s, err := r.Slice(0, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	s[0] = 0x42
	v, err := r.Uint32At(0)
	if err != nil {
		t.Fatalf("Uint32At: %v", err)
	}
	if v&0xff != 0x42 {
		t.Fatalf("Slice did not alias backing store: got 0x%x", v)
	}
}
