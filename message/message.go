// Package message implements the Message Reader / Message Writer /
// Message Handler family: framing, timeout, retry, cancellation,
// optional concurrent writers, and a pull-to-push loop with a
// dynamically adjustable idle-read timeout, all layered on top of a
// stablepipe.Reader/Writer pair.
package message

import (
	"github.com/signature-opensource/ck-commchannel/metrics"
	"github.com/signature-opensource/ck-commchannel/xlog"
)

var logger = xlog.NewPackageLogger("github.com/signature-opensource/ck-commchannel", "message")

func countFrameRead(tag string) {
	metrics.IncrCounter([]string{"ck_commchannel", "frames_read"}, 1, metrics.Tag{Name: "tag", Value: tag})
}

func countFrameWritten(tag string) {
	metrics.IncrCounter([]string{"ck_commchannel", "frames_written"}, 1, metrics.Tag{Name: "tag", Value: tag})
}

// hexdump renders p the way the Message Reader/Writer debug log does:
// printable ASCII (32-126) as-is, everything else as <HH> in uppercase
// hex, preserving byte count and order.
func hexdump(p []byte) string {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if b >= 32 && b <= 126 {
			out = append(out, b)
		} else {
			out = append(out, '<', hexDigit(b>>4), hexDigit(b&0xf), '>')
		}
	}
	return string(out)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}
