// Package sse splits a server-sent-event byte stream into frames and writes
// outbound event streams.
//
// The Decoder only does structural splitting: it knows nothing about the
// JSON carried inside a frame. Parsing the event/data lines of a complete
// frame is done by ParseFrame.
package sse

import (
	"bytes"
	"unicode/utf8"
)

// Separator delimits frames on the wire.
const Separator = "\n\n"

var separator = []byte(Separator)

// Decoder buffers incoming chunks and yields complete frames. A frame may be
// split across any number of chunks; the incomplete tail is kept until the
// next Feed. A Decoder is scoped to one stream and is not safe for
// concurrent use.
type Decoder struct {
	buf []byte

	// MaxBuffered caps the size of the incomplete tail. When the tail grows
	// beyond it the tail is discarded along with the rest of its frame, up
	// to the next separator. Zero means unlimited.
	MaxBuffered int

	// skipping is set while the remainder of an oversized frame is thrown
	// away.
	skipping bool

	invalid   int
	overflows int
}

// NewDecoder creates a decoder with the given tail cap (0 for unlimited).
func NewDecoder(maxBuffered int) *Decoder {
	return &Decoder{MaxBuffered: maxBuffered}
}

// Feed appends chunk to the buffer and returns every frame it completes, in
// order. Frames that are not valid UTF-8 are dropped and counted in Invalid.
func (d *Decoder) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames []string
	for {
		i := bytes.Index(d.buf, separator)
		if d.skipping {
			if i < 0 {
				d.buf = keepPartialSeparator(d.buf)
				break
			}
			d.buf = d.buf[i+len(separator):]
			d.skipping = false
			continue
		}
		if i < 0 {
			break
		}
		raw := d.buf[:i]
		d.buf = d.buf[i+len(separator):]

		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if !utf8.Valid(raw) {
			d.invalid++
			continue
		}
		frames = append(frames, string(raw))
	}

	if !d.skipping && d.MaxBuffered > 0 && len(d.buf) > d.MaxBuffered {
		d.overflows++
		d.buf = keepPartialSeparator(d.buf)
		d.skipping = true
	}

	// Compact so a long stream does not pin the first chunk's backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 64*1024 {
		d.buf = append([]byte(nil), d.buf...)
	}

	return frames
}

// Close discards any partial tail and reports how many bytes were lost.
// Partial frames are never surfaced as data.
func (d *Decoder) Close() int {
	n := len(d.buf)
	d.buf = nil
	d.skipping = false
	return n
}

// keepPartialSeparator drops b except for a trailing newline, which may be
// the first half of a separator split across chunks.
func keepPartialSeparator(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return []byte{'\n'}
	}
	return nil
}

// Buffered returns the length of the incomplete tail.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Invalid returns the number of frames dropped because they were not text.
func (d *Decoder) Invalid() int { return d.invalid }

// Overflows returns the number of times the tail exceeded MaxBuffered.
func (d *Decoder) Overflows() int { return d.overflows }
