package message

import (
	"bytes"
	"fmt"

	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// DelimitedFramer frames messages between a single start byte and one or
// more end bytes, optionally stripping the delimiters from the emitted
// frame. It tolerates noise: bytes
// before the first start byte, and garbled restarts (a fresh start byte
// appearing before the expected end) are silently dropped.
type DelimitedFramer struct {
	Start            byte
	End              []byte
	RemoveDelimiters bool

	inMessage bool
}

// NewDelimitedFramer validates the delimiter constraint: for a
// single-byte End, start != end[0]; for a multi-byte End, start must
// differ from the last byte of End (so a fresh start can never be
// mistaken for the end anchor).
func NewDelimitedFramer(start byte, end []byte, removeDelimiters bool) (*DelimitedFramer, error) {
	if len(end) == 0 {
		return nil, fmt.Errorf("ck-commchannel: delimited framer requires a non-empty end sequence")
	}
	if start == end[len(end)-1] {
		return nil, fmt.Errorf("ck-commchannel: delimited framer start byte must differ from the last end byte")
	}
	return &DelimitedFramer{Start: start, End: append([]byte(nil), end...), RemoveDelimiters: removeDelimiters}, nil
}

// TryParse scans for one start..end pair, dropping noise ahead of the
// start byte and restarting on a garbled start inside a half-open frame.
func (f *DelimitedFramer) TryParse(buf []byte) (frame []byte, consumed int, ok bool) {
	total := 0
	for {
		if !f.inMessage {
			idx := bytes.IndexByte(buf[total:], f.Start)
			if idx < 0 {
				return nil, len(buf), false
			}
			total += idx
			f.inMessage = true
			continue
		}

		searchFrom := total + 1
		idx := bytes.Index(buf[searchFrom:], f.End)
		if idx < 0 {
			return nil, total, false
		}
		pEnd := searchFrom + idx
		pAfter := pEnd + len(f.End)

		for {
			relStart := total + 1
			if relStart >= pEnd {
				break
			}
			idx2 := bytes.IndexByte(buf[relStart:pEnd], f.Start)
			if idx2 < 0 {
				break
			}
			total = relStart + idx2
		}

		var out []byte
		if f.RemoveDelimiters {
			out = buf[total+1 : pEnd]
		} else {
			out = buf[total:pAfter]
		}
		frameCopy := append([]byte(nil), out...)
		f.inMessage = false
		return frameCopy, pAfter, true
	}
}

// WriteFrame emits start, payload, then the end sequence. Unlike the
// reader, the writer's start/end need not be distinct from one another:
// the sender always knows exactly where each frame begins.
func (f *DelimitedFramer) WriteFrame(payload []byte, w *stablepipe.Writer) bool {
	_, _ = w.Write([]byte{f.Start})
	_, _ = w.Write(payload)
	_, _ = w.Write(f.End)
	return true
}

// NewLineReader and NewLineWriter / NewDelimitedReader and
// NewDelimitedWriter below are string-message convenience constructors
// covering the common case.

// NewLineReader returns a Reader that frames on delimiter and yields
// string messages.
func NewLineReader(inner *stablepipe.Reader, delimiter []byte, logTag string) *Reader {
	f := NewLineFramer(delimiter)
	return NewReader(inner, f, func(frame []byte) (interface{}, error) {
		return string(frame), nil
	}, logTag)
}

// NewLineWriter returns a Writer that frames string messages with a
// trailing delimiter.
func NewLineWriter(inner *stablepipe.Writer, delimiter []byte, logTag string) *Writer {
	f := NewLineFramer(delimiter)
	return NewWriter(inner, func(msg interface{}, w *stablepipe.Writer) bool {
		s, _ := msg.(string)
		return f.WriteFrame([]byte(s), w)
	}, logTag, false)
}

// NewDelimitedReader returns a Reader over a DelimitedFramer yielding
// string messages.
func NewDelimitedReader(inner *stablepipe.Reader, start byte, end []byte, removeDelimiters bool, logTag string) (*Reader, error) {
	f, err := NewDelimitedFramer(start, end, removeDelimiters)
	if err != nil {
		return nil, err
	}
	return NewReader(inner, f, func(frame []byte) (interface{}, error) {
		return string(frame), nil
	}, logTag), nil
}

// NewDelimitedWriter returns a Writer that frames string messages with
// start/end delimiters. Unlike NewDelimitedReader, start and end are not
// required to differ: the writer's own constraints are looser.
func NewDelimitedWriter(inner *stablepipe.Writer, start byte, end []byte, logTag string) *Writer {
	f := &DelimitedFramer{Start: start, End: append([]byte(nil), end...)}
	return NewWriter(inner, func(msg interface{}, w *stablepipe.Writer) bool {
		s, _ := msg.(string)
		return f.WriteFrame([]byte(s), w)
	}, logTag, false)
}
