// Package kfmt implements the formatted output and panic facilities used by
// the memory management code. Everything in this package works before the Go
// allocator has been initialized.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = []byte("0123456789abcdef")

	// numFmtBuf and singleByte are shared scratch buffers. Printf is not
	// reentrant; callers serialize output the same way they serialize
	// access to the memory management state.
	numFmtBuf  [maxBufSize]byte
	singleByte = []byte(" ")

	// earlyPrintBuffer stores Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go runtime has been properly initialized. This implementation
// does not allocate any memory.
//
// The following verbs are supported:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer, lower-case
//	%o  base 8 integer
//	%t  "true" or "false"
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10 values
// are left-padded with spaces; base-8 and base-16 values with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		// parse the optional width followed by the verb
		width = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		// converting the string to a byte slice triggers a memory
		// allocation so we need to do this one byte at a time.
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt prints out v in the requested base applying the requested padding.
// All built-in integer types are supported.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval uint64
		neg  bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, neg = abs(int64(n))
	case int16:
		uval, neg = abs(int64(n))
	case int32:
		uval, neg = abs(int64(n))
	case int64:
		uval, neg = abs(n)
	case int:
		uval, neg = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	// Fill the buffer right to left
	pos := maxBufSize
	for {
		pos--
		numFmtBuf[pos] = digits[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Space padding goes before the sign, zero padding after it.
	if neg && padCh == ' ' {
		pos--
		numFmtBuf[pos] = '-'
	}

	signLen := 0
	if neg && padCh == '0' {
		signLen = 1
	}

	for maxBufSize-pos+signLen < width {
		pos--
		numFmtBuf[pos] = padCh
	}

	if signLen != 0 {
		pos--
		numFmtBuf[pos] = '-'
	}

	doWrite(w, numFmtBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite hides p from the compiler's escape analysis. Without this, the
// call to the unknown outputSink io.Writer flags p as escaping and every
// Printf call would allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
	} else {
		_, _ = earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
