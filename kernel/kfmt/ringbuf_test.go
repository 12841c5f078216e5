package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

const bootLine = "[pmm] free memory: 130048Kb, reserved: 64Kb\n"

func TestRingBuffer(t *testing.T) {
	specs := []struct {
		name   string
		start  int
		reader func(io.Reader) string
	}{
		{"empty buffer", 0, readByteByByte},
		{"data wraps around", ringBufferSize - 2, readByteByByte},
		{"io.Copy across the wrap point", ringBufferSize - 4, readAll},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var rb ringBuffer
			rb.rIndex, rb.wIndex = spec.start, spec.start

			n, err := rb.Write([]byte(bootLine))
			if err != nil {
				t.Fatal(err)
			}
			if n != len(bootLine) {
				t.Fatalf("expected to write %d bytes; wrote %d", len(bootLine), n)
			}

			if got := spec.reader(&rb); got != bootLine {
				t.Fatalf("expected to read %q; got %q", bootLine, got)
			}
			if got := spec.reader(&rb); got != "" {
				t.Fatalf("expected the buffer to be drained; got %q", got)
			}
		})
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	var rb ringBuffer

	// Fill the buffer past its capacity; only the most recent
	// ringBufferSize-1 bytes survive.
	lines := strings.Repeat(bootLine, ringBufferSize/len(bootLine)+2)
	_, _ = rb.Write([]byte(lines))

	exp := lines[len(lines)-(ringBufferSize-1):]
	if got := readAll(&rb); got != exp {
		t.Fatalf("expected to read the last %d bytes; got %d bytes", len(exp), len(got))
	}

	rb.rIndex, rb.wIndex = 0, ringBufferSize-1
	_, _ = rb.Write([]byte{'\n'})
	if exp := 1; rb.rIndex != exp {
		t.Fatalf("expected a write into a full buffer to push rIndex to %d; got %d", exp, rb.rIndex)
	}
}

func readByteByByte(r io.Reader) string {
	var (
		buf bytes.Buffer
		b   = make([]byte, 1)
	)
	for {
		if _, err := r.Read(b); err == io.EOF {
			break
		}
		buf.Write(b)
	}
	return buf.String()
}

func readAll(r io.Reader) string {
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}
