// Package kfmt implements the kernel console: an allocation-free subset of
// Printf, the early output buffer and kernel panics.
package kfmt

import (
	"io"
	"kestrel/kernel/sync"
	"unsafe"
)

// maxBufSize is the size of the scratch buffer used for formatting numbers.
// It holds a 64-bit value in base 2.
const maxBufSize = 64

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = "0123456789abcdef"

	numFmtBuf [maxBufSize]byte

	// singleByte passes single characters to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer holds output produced before a sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf output. While nil, output goes to
	// earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes output from all cores. The formatting buffers
	// above are shared so it is held for the duration of a Fprintf call.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink or nil if output is
// still being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf is a Printf that does not allocate, so it is usable from interrupt
// handlers, the allocator paths and before the Go heap exists.
//
// Supported verbs:
//
//	%s  string or []byte
//	%c  a single byte
//	%t  bool
//	%b  integer in base 2
//	%o  integer in base 8
//	%d  integer in base 10
//	%x  integer in base 16, lower-case
//
// A decimal width may precede the verb. Strings and decimals are padded with
// spaces on the left, other bases with zeroes. A '-' flag pads with spaces on
// the right instead. Integer widths are capped at maxBufSize-1.
//
// Only built-in string, bool and integer types are accepted. Arguments are
// never inspected for String or Error methods and %p/%v are not supported:
// both would pull in reflect, whose conversions allocate.
//
// Output goes to the active output sink or, before one is attached, to a ring
// buffer that is replayed by SetOutputSink.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	var (
		argIndex int
		spec     verbSpec
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			// slicing format into doWrite would allocate; emit byte by byte.
			singleByte[0] = format[i]
			doWrite(w, singleByte)
			continue
		}

		spec, i = parseVerb(format, i+1)
		switch {
		case spec.verb == 0:
			doWrite(w, errNoVerb)
		case spec.verb == '%':
			singleByte[0] = '%'
			doWrite(w, singleByte)
		case argIndex >= len(args):
			doWrite(w, errMissingArg)
		default:
			spec.format(w, args[argIndex])
			argIndex++
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// verbSpec describes one formatting directive.
type verbSpec struct {
	verb      byte
	width     int
	leftAlign bool
}

// parseVerb parses the directive that starts at format[start], just past the
// '%'. It returns the directive and the index of its last byte. A zero verb
// means the format string ended or the verb is not supported.
func parseVerb(format string, start int) (verbSpec, int) {
	var spec verbSpec

	i := start
	if i < len(format) && format[i] == '-' {
		spec.leftAlign = true
		i++
	}

	for ; i < len(format); i++ {
		ch := format[i]
		if ch >= '0' && ch <= '9' {
			spec.width = spec.width*10 + int(ch-'0')
			continue
		}

		switch ch {
		case '%', 's', 'c', 't', 'b', 'o', 'd', 'x':
			spec.verb = ch
		}
		return spec, i
	}

	return spec, len(format) - 1
}

func (spec verbSpec) format(w io.Writer, arg interface{}) {
	switch spec.verb {
	case 's':
		spec.fmtString(w, arg)
	case 'c':
		spec.fmtChar(w, arg)
	case 't':
		fmtBool(w, arg)
	case 'b':
		spec.fmtInt(w, arg, 2)
	case 'o':
		spec.fmtInt(w, arg, 8)
	case 'd':
		spec.fmtInt(w, arg, 10)
	case 'x':
		spec.fmtInt(w, arg, 16)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a string or []byte value applying the width of spec.
func (spec verbSpec) fmtString(w io.Writer, v interface{}) {
	switch castedVal := v.(type) {
	case string:
		spec.padLeft(w, ' ', len(castedVal))
		// converting the string to a byte slice triggers a memory allocation
		// so we need to do this one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			singleByte[0] = castedVal[i]
			doWrite(w, singleByte)
		}
		spec.padRight(w, len(castedVal))
	case []byte:
		spec.padLeft(w, ' ', len(castedVal))
		doWrite(w, castedVal)
		spec.padRight(w, len(castedVal))
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtChar prints a single byte.
func (spec verbSpec) fmtChar(w io.Writer, v interface{}) {
	ch, ok := v.(byte)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	spec.padLeft(w, ' ', 1)
	singleByte[0] = ch
	doWrite(w, singleByte)
	spec.padRight(w, 1)
}

// fmtInt prints v in the requested base. All built-in integer types are
// supported.
func (spec verbSpec) fmtInt(w io.Writer, v interface{}, base uint64) {
	var (
		uval     uint64
		negative bool
	)

	switch castedVal := v.(type) {
	case uint8:
		uval = uint64(castedVal)
	case uint16:
		uval = uint64(castedVal)
	case uint32:
		uval = uint64(castedVal)
	case uint64:
		uval = castedVal
	case uint:
		uval = uint64(castedVal)
	case uintptr:
		uval = uint64(castedVal)
	case int8:
		uval, negative = abs(int64(castedVal))
	case int16:
		uval, negative = abs(int64(castedVal))
	case int32:
		uval, negative = abs(int64(castedVal))
	case int64:
		uval, negative = abs(castedVal)
	case int:
		uval, negative = abs(int64(castedVal))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if spec.width >= maxBufSize {
		spec.width = maxBufSize - 1
	}

	// Digits are produced least significant first at the end of numFmtBuf.
	start := maxBufSize
	for {
		start--
		numFmtBuf[start] = digits[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}

	numLen := maxBufSize - start
	if negative {
		numLen++
	}

	// Non-decimal bases are zero-padded between the sign and the digits.
	zeroPad := base != 10 && !spec.leftAlign
	if !zeroPad {
		spec.padLeft(w, ' ', numLen)
	}
	if negative {
		singleByte[0] = '-'
		doWrite(w, singleByte)
	}
	if zeroPad {
		fmtRepeat(w, '0', spec.width-(maxBufSize-start))
	}
	doWrite(w, numFmtBuf[start:])
	spec.padRight(w, numLen)
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// padLeft emits the padding that precedes a right-aligned value of the given
// length.
func (spec verbSpec) padLeft(w io.Writer, ch byte, length int) {
	if !spec.leftAlign {
		fmtRepeat(w, ch, spec.width-length)
	}
}

// padRight emits the padding that follows a left-aligned value.
func (spec verbSpec) padRight(w io.Writer, length int) {
	if spec.leftAlign {
		fmtRepeat(w, ' ', spec.width-length)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// doWrite hides p from escape analysis. The compiler cannot see through the
// io.Writer call and would otherwise mark every argument slice as escaping,
// making Printf allocate through runtime.convT2E before the Go allocator is
// available.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. It mirrors noescape in
// runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
