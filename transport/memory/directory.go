// Package memory implements an in-process ChannelImpl backed by a
// process-wide named-endpoint directory. It exists so reconnect and
// back-off behavior can be exercised end-to-end without a real socket.
package memory

import (
	"sync"

	"github.com/juju/errors"
)

// endpoint is a rendezvous point: the first Connect call for a name
// creates a pair and leaves it pending; the second Connect call
// consumes it, pairing the two sides. Allocate/Deallocate control
// whether a name currently exists in the directory at all.
type endpoint struct {
	mu        sync.Mutex
	pending   *pair
	connected []*pair
}

var directory = struct {
	mu      sync.Mutex
	entries map[string]*endpoint
}{entries: make(map[string]*endpoint)}

// Allocate makes name available for Connect. Allocating an
// already-allocated name is a no-op (it does not sever existing
// connections).
func Allocate(name string) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	if _, ok := directory.entries[name]; !ok {
		directory.entries[name] = &endpoint{}
	}
}

// Deallocate removes name from the directory and severs every pair
// connected through it, so attached channels observe a transport error
// on their next read/write and (per auto_reconnect) begin reopening.
func Deallocate(name string) {
	directory.mu.Lock()
	e, ok := directory.entries[name]
	delete(directory.entries, name)
	directory.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil {
		e.pending.sever()
	}
	for _, p := range e.connected {
		p.sever()
	}
}

// IsAllocated reports whether name currently exists in the directory.
func IsAllocated(name string) bool {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	_, ok := directory.entries[name]
	return ok
}

var errNotAllocated = errors.New("memory transport: endpoint not allocated")
var errEndpointSevered = errors.New("memory transport: endpoint was deallocated")

// connect pairs the caller with whoever else dials name. The first
// caller for a fresh pair gets side A, the second gets side B; a third
// caller on the same name starts a brand new pair (the previous one is
// left for its two original sides).
func connect(name string) (*memSource, *memSink, error) {
	directory.mu.Lock()
	e, ok := directory.entries[name]
	directory.mu.Unlock()
	if !ok {
		return nil, nil, errors.Trace(errNotAllocated)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var p *pair
	var sideA bool
	if e.pending != nil {
		p = e.pending
		e.pending = nil
		sideA = false
	} else {
		p = newPair()
		e.pending = p
		e.connected = append(e.connected, p)
		sideA = true
	}

	var in, out chan []byte
	if sideA {
		in, out = p.ba, p.ab
	} else {
		in, out = p.ab, p.ba
	}
	return newMemSource(in, p.severed), newMemSink(out, p.severed), nil
}

type pair struct {
	ab         chan []byte
	ba         chan []byte
	severed    chan struct{}
	severeOnce sync.Once
}

func newPair() *pair {
	return &pair{
		ab:      make(chan []byte, 64),
		ba:      make(chan []byte, 64),
		severed: make(chan struct{}),
	}
}

func (p *pair) sever() {
	p.severeOnce.Do(func() { close(p.severed) })
}
