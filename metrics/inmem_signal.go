package metrics

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
)

// DefaultSignal is the signal that triggers a dump, SIGUSR1 by
// convention on unix platforms.
const DefaultSignal = syscall.SIGUSR1

// InmemSignal is used to listen for a given signal, and when received,
// dump the current metrics from an InmemSink to an io.Writer (stderr
// by default).
type InmemSignal struct {
	signal syscall.Signal
	inm    *InmemSink
	w      io.Writer
	sigCh  chan os.Signal

	stop     bool
	stopCh   chan struct{}
	stopLock sync.Mutex
}

// NewInmemSignal creates a new InmemSignal which listens for sig,
// and dumps the current state of inm to w on receipt.
func NewInmemSignal(inm *InmemSink, sig syscall.Signal, w io.Writer) *InmemSignal {
	i := &InmemSignal{
		signal: sig,
		inm:    inm,
		w:      w,
		sigCh:  make(chan os.Signal, 1),
		stopCh: make(chan struct{}),
	}
	signal.Notify(i.sigCh, sig)
	go i.run()
	return i
}

// DefaultInmemSignal returns a new InmemSignal that dumps to stderr on
// DefaultSignal, the common case for wiring an InmemSink into a
// long-running service.
func DefaultInmemSignal(inm *InmemSink) *InmemSignal {
	return NewInmemSignal(inm, DefaultSignal, os.Stderr)
}

// Stop is used to stop the InmemSignal from listening
func (i *InmemSignal) Stop() {
	i.stopLock.Lock()
	defer i.stopLock.Unlock()

	if i.stop {
		return
	}
	i.stop = true
	close(i.stopCh)
	signal.Stop(i.sigCh)
}

func (i *InmemSignal) run() {
	for {
		select {
		case <-i.sigCh:
			i.dumpStats()
		case <-i.stopCh:
			return
		}
	}
}

// dumpStats formats the most recent complete interval as a simple
// textual table, mimicking the hashicorp/go-metrics signal dump.
func (i *InmemSignal) dumpStats() {
	buf := bytes.NewBuffer(nil)

	data := i.inm.Data()
	// Skip the current interval, it is incomplete
	if len(data) > 1 {
		intv := data[len(data)-2]

		intv.RLock()
		defer intv.RUnlock()

		fmt.Fprintf(buf, "[%v]\n", intv.Interval)
		i.writeGauges(buf, intv)
		i.writeSamples(buf, "Counter", intv.Counters)
		i.writeSamples(buf, "Sample", intv.Samples)
	}

	i.w.Write(buf.Bytes())
}

func (i *InmemSignal) writeGauges(buf *bytes.Buffer, intv *IntervalMetrics) {
	names := make([]string, 0, len(intv.Gauges))
	for k := range intv.Gauges {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(buf, "[G] %q: %0.3f\n", k, intv.Gauges[k].Value)
	}
}

func (i *InmemSignal) writeSamples(buf *bytes.Buffer, kind string, m map[string]SampledValue) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v := m[k]
		fmt.Fprintf(buf, "[%s] %q: %s\n", kind[:1], k, v.String())
	}
}
