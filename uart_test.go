package gpurv

import (
	"bytes"
	"testing"
)

func TestUARTDrain(t *testing.T) {
	region := make([]byte, uartRegionLen)
	encodeUARTAppend(region, []byte("hello"))

	var r uartReader
	chars, lost := r.drain(region)
	if string(chars) != "hello" {
		t.Errorf("drain = %q, want %q", chars, "hello")
	}
	if lost != 0 {
		t.Errorf("lost = %d, want 0", lost)
	}

	// A second poll with no new characters delivers nothing.
	chars, lost = r.drain(region)
	if len(chars) != 0 || lost != 0 {
		t.Errorf("second drain = %q (lost %d), want empty", chars, lost)
	}

	// New characters after the first poll come out exactly once.
	encodeUARTAppend(region, []byte(", world"))
	chars, _ = r.drain(region)
	if string(chars) != ", world" {
		t.Errorf("incremental drain = %q, want %q", chars, ", world")
	}
}

func TestUARTWraparound(t *testing.T) {
	region := make([]byte, uartRegionLen)
	var r uartReader

	// Fill most of the ring, drain, then wrap past the end.
	first := bytes.Repeat([]byte{'a'}, UARTCapacity-10)
	encodeUARTAppend(region, first)
	if chars, _ := r.drain(region); len(chars) != len(first) {
		t.Fatalf("drained %d chars, want %d", len(chars), len(first))
	}

	second := []byte("0123456789ABCDEF")
	encodeUARTAppend(region, second)
	chars, lost := r.drain(region)
	if !bytes.Equal(chars, second) {
		t.Errorf("wrapped drain = %q, want %q", chars, second)
	}
	if lost != 0 {
		t.Errorf("lost = %d, want 0", lost)
	}
}

func TestUARTOverrun(t *testing.T) {
	region := make([]byte, uartRegionLen)
	var r uartReader

	// Write more than the ring holds between polls. The oldest characters
	// are overwritten and unrecoverable.
	const extra = 40
	data := make([]byte, UARTCapacity+extra)
	for i := range data {
		data[i] = byte('A' + i%26)
	}
	encodeUARTAppend(region, data)

	chars, lost := r.drain(region)
	if lost != extra {
		t.Errorf("lost = %d, want %d", lost, extra)
	}
	if len(chars) != UARTCapacity {
		t.Fatalf("drained %d chars, want %d", len(chars), UARTCapacity)
	}
	if !bytes.Equal(chars, data[extra:]) {
		t.Error("drained characters are not the newest ring contents")
	}

	// The cursor resynchronized; subsequent traffic is delivered normally.
	encodeUARTAppend(region, []byte("ok"))
	chars, lost = r.drain(region)
	if string(chars) != "ok" || lost != 0 {
		t.Errorf("post-overrun drain = %q (lost %d), want %q", chars, lost, "ok")
	}
}
