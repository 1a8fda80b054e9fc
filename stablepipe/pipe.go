// Package stablepipe implements the Stable Reader / Stable Writer pair:
// decorators over an underlying byte-pipe whose inner source/sink may be
// swapped or closed atomically while operations are in flight.
package stablepipe

import "context"

// ReadResult is returned by a ByteSource.Read call.
type ReadResult struct {
	// Buffer holds the bytes read, if any.
	Buffer []byte
	// IsCanceled is a transient per-operation flag; it does not imply
	// IsCompleted.
	IsCanceled bool
	// IsCompleted means the source will yield no more data.
	IsCompleted bool
}

// FlushResult is returned by a ByteSink.Flush call. Semantics mirror
// ReadResult.
type FlushResult struct {
	IsCanceled  bool
	IsCompleted bool
}

// ByteSource is the inner source a Reader decorates. Implementations are
// expected to allow at most one in-flight Read at a time; the Reader
// itself never submits concurrent reads to a single ByteSource.
type ByteSource interface {
	// Read blocks for the next chunk of data, honoring ctx cancellation.
	Read(ctx context.Context) (ReadResult, error)
	// AdvanceTo tells the source how much of the last Read's buffer was
	// consumed (and, optionally, examined further without being
	// consumed; pass examined == consumed when the whole buffer was
	// looked at but not all of it used).
	AdvanceTo(consumed, examined int) error
	// CancelPendingRead causes an in-flight Read to return a canceled
	// ReadResult instead of blocking further.
	CancelPendingRead()
	// Complete releases the source; err, if non-nil, marks it as
	// failed rather than cleanly finished.
	Complete(err error) error
}

// ByteSink is the inner sink a Writer decorates.
type ByteSink interface {
	// Write delivers bytes to the sink; it may buffer internally.
	// It is only ever called between a SetInner and the matching
	// Flush/Complete, never concurrently with another Write on the
	// same sink.
	Write(ctx context.Context, p []byte) (int, error)
	// Flush forces previously Written bytes out, honoring ctx
	// cancellation.
	Flush(ctx context.Context) (FlushResult, error)
	// CancelPendingFlush causes an in-flight Flush to return a
	// canceled FlushResult instead of blocking further.
	CancelPendingFlush()
	// Complete releases the sink.
	Complete(err error) error
}
