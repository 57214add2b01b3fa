package kfmt

import "io"

// PrefixWriter is an io.Writer that starts every line it forwards with
// Prefix. A nil Sink sends output to the kernel console: the attached output
// sink or, before one is attached, the early print buffer. Console output is
// only safe while the output lock is held, so writers with a nil Sink must be
// driven through Fprintf.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is written before the first byte of each line.
	Prefix []byte

	// midLine is set when the last forwarded byte was not a line feed.
	midLine bool
}

func (w *PrefixWriter) sink() io.Writer {
	switch {
	case w.Sink != nil:
		return w.Sink
	case outputSink != nil:
		return outputSink
	default:
		return &earlyPrintBuffer
	}
}

// Write forwards p to the sink one line at a time, emitting the prefix before
// each new line. The returned count excludes prefix bytes. A prefix for a
// line that starts after the last line feed in p is deferred until the next
// Write so that trailing line feeds do not leave a dangling prefix.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		sink    = w.sink()
		written int
	)

	for len(p) != 0 {
		if !w.midLine {
			if _, err := sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := 0
		for end < len(p) && p[end] != '\n' {
			end++
		}
		if end < len(p) {
			end++
			w.midLine = false
		}

		n, err := sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}
		p = p[end:]
	}

	return written, nil
}
