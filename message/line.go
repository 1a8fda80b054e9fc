package message

import (
	"bytes"

	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// LineFramer splits frames on a fixed, non-empty delimiter. It
// implements Framer for reading and provides WriteFrame for writing.
type LineFramer struct {
	Delimiter []byte
}

// NewLineFramer returns a LineFramer for delimiter d. d must be
// non-empty.
func NewLineFramer(d []byte) *LineFramer {
	return &LineFramer{Delimiter: append([]byte(nil), d...)}
}

// TryParse searches buf for the delimiter; on match the frame is
// everything before it and buf is considered consumed through the
// delimiter's end.
func (f *LineFramer) TryParse(buf []byte) (frame []byte, consumed int, ok bool) {
	idx := bytes.Index(buf, f.Delimiter)
	if idx < 0 {
		return nil, 0, false
	}
	return buf[:idx], idx + len(f.Delimiter), true
}

// WriteFrame formats payload followed by the fixed delimiter into w.
func (f *LineFramer) WriteFrame(payload []byte, w *stablepipe.Writer) bool {
	_, _ = w.Write(payload)
	_, _ = w.Write(f.Delimiter)
	return true
}
