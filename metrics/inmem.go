package metrics

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// SampledValue tracks the aggregate statistics of a sample of float32
// values: used for both counters and AddSample-based gauges.
type SampledValue struct {
	Name string

	AggregateSample

	Tags string
}

// String returns a human-readable summary matching the built-in
// hashicorp/go-metrics rendering, so DisplayMetrics output can be diffed
// by eye.
func (v *SampledValue) String() string {
	return v.AggregateSample.String()
}

// AggregateSample holds the summary statistics accumulated across a
// single interval for one metric name.
type AggregateSample struct {
	Count       int
	Sum         float64
	SumSq       float64
	Min         float64
	Max         float64
	LastUpdated time.Time
}

// Ingest folds v into the running aggregate.
func (a *AggregateSample) Ingest(v float64) {
	a.Count++
	a.Sum += v
	a.SumSq += (v * v)
	if v < a.Min || a.Count == 1 {
		a.Min = v
	}
	if v > a.Max || a.Count == 1 {
		a.Max = v
	}
	a.LastUpdated = time.Now()
}

// Computes a Stddev of the values
func (a *AggregateSample) Stddev() float64 {
	num := (float64(a.Count) * a.SumSq) - math.Pow(a.Sum, 2)
	div := float64(a.Count * (a.Count - 1))
	if div == 0 {
		return 0
	}
	return math.Sqrt(num / div)
}

// Computes the mean of the values
func (a *AggregateSample) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// String returns a human readable rendering of the aggregate.
func (a *AggregateSample) String() string {
	if a.Count == 0 {
		return "Count: 0"
	} else if a.Stddev() == 0 {
		return fmt.Sprintf("Count: %d Sum: %0.3f", a.Count, a.Sum)
	}
	return fmt.Sprintf("Count: %d Min: %0.3f Mean: %0.3f Max: %0.3f Stddev: %0.3f Sum: %0.3f",
		a.Count, a.Min, a.Mean(), a.Max, a.Stddev(), a.Sum)
}

// IntervalMetrics holds the aggregated metrics for a single interval.
// Interval is used for storage and retrieval, and by InmemSink to
// provide the current snapshot through Data().
type IntervalMetrics struct {
	sync.RWMutex

	// Interval is the start time of this metrics interval
	Interval time.Time

	// Gauges maps the key and tags to the last set value
	Gauges map[string]GaugeValue

	// Points maps a key to a list of point values
	Points map[string][]float32

	// Counters maps the key and tags to the aggregate values
	Counters map[string]SampledValue

	// Samples maps the key and tags to the aggregate values for that
	// sample
	Samples map[string]SampledValue

	// done is reserved for marking a finalized interval; nothing in
	// this package sets or reads it.
	done bool
}

// GaugeValue holds a gauge's last-set value alongside its tags, for
// rendering in DisplayMetrics.
type GaugeValue struct {
	Name string
	Tags string

	Value float32
}

// NewIntervalMetrics creates a new IntervalMetrics for a given interval
func NewIntervalMetrics(intv time.Time) *IntervalMetrics {
	return &IntervalMetrics{
		Interval: intv,
		Gauges:   make(map[string]GaugeValue),
		Points:   make(map[string][]float32),
		Counters: make(map[string]SampledValue),
		Samples:  make(map[string]SampledValue),
	}
}

// AggregateSample seeds the key with an empty AggregateSample if it is
// being added for the first time
func (i *IntervalMetrics) aggregateSample(sampleMap map[string]SampledValue, name, hash string, val float32) {
	agg, ok := sampleMap[hash]
	if !ok {
		agg = SampledValue{
			Name: name,
			Tags: hash,
		}
	}
	agg.Ingest(float64(val))
	sampleMap[hash] = agg
}

// InmemSink provides a MetricSink that does in-memory aggregation
// without sending metrics over a network. It can be used to provide
// an in-process view of the metrics, or aggregated later by a process
// that polls Data(). It is adapted from hashicorp/go-metrics' sink of
// the same name.
type InmemSink struct {
	// How long is each aggregation interval
	interval time.Duration

	// Retain controls how many metrics interval we keep
	retain time.Duration

	// maxIntervals is the maximum length of intervals.
	// It is retain / interval.
	maxIntervals int

	// intervals is a slice of the retained intervals
	intervals []*IntervalMetrics
	intervalLock sync.RWMutex

	rateDenom float64
}

// NewInmemSink creates an in-memory sink that aggregates metrics over
// the given interval, retaining up to retain worth of historical
// intervals for later inspection through Data().
func NewInmemSink(interval, retain time.Duration) *InmemSink {
	rateTimeUnit := time.Second
	i := &InmemSink{
		interval:     interval,
		retain:       retain,
		maxIntervals: int(retain / interval),
		rateDenom:    float64(interval.Nanoseconds()) / float64(rateTimeUnit.Nanoseconds()),
	}
	if i.maxIntervals < 1 {
		i.maxIntervals = 1
	}
	i.intervals = make([]*IntervalMetrics, 0, i.maxIntervals)
	return i
}

// NewInmemSinkFromURL creates an InmemSink from a URL. It is used
// mostly to provide a consistent mechanism across sink types, and
// supports schemes of:
//
//	inmem://{unused}?interval=30s&retain=1h
func NewInmemSinkFromURL(u *url.URL) (Sink, error) {
	params := u.Query()

	interval, err := time.ParseDuration(params.Get("interval"))
	if err != nil {
		return nil, fmt.Errorf("bad 'interval' param: %s", err)
	}

	retain, err := time.ParseDuration(params.Get("retain"))
	if err != nil {
		return nil, fmt.Errorf("bad 'retain' param: %s", err)
	}

	return NewInmemSink(interval, retain), nil
}

func (i *InmemSink) getInterval() *IntervalMetrics {
	intv := time.Now().Truncate(i.interval)
	i.intervalLock.Lock()
	defer i.intervalLock.Unlock()

	n := len(i.intervals)
	if n > 0 && i.intervals[n-1].Interval == intv {
		return i.intervals[n-1]
	}

	current := NewIntervalMetrics(intv)
	i.intervals = append(i.intervals, current)
	if n+1 > i.maxIntervals {
		i.intervals = i.intervals[1:]
	}
	return current
}

// Data returns the current interval snapshots, oldest first. The
// caller must treat the result as read-only; the sink continues to
// mutate the most recent entry concurrently.
func (i *InmemSink) Data() []*IntervalMetrics {
	i.intervalLock.RLock()
	defer i.intervalLock.RUnlock()

	intervals := make([]*IntervalMetrics, len(i.intervals))
	copy(intervals, i.intervals)
	return intervals
}

func flattenKey(key []string, tags []Tag) (string, string) {
	buf := bytes.NewBuffer(nil)
	replacer := strings.NewReplacer(" ", "_", ":", "_")
	joined := strings.Join(key, ".")
	replacer.WriteString(buf, joined)

	var tagSet []string
	for _, t := range tags {
		tagSet = append(tagSet, fmt.Sprintf("%s=%s", t.Name, t.Value))
	}
	sort.Strings(tagSet)
	tagsStr := strings.Join(tagSet, ";")
	if tagsStr != "" {
		buf.WriteByte(';')
		buf.WriteString(tagsStr)
	}
	return buf.String(), tagsStr
}

// SetGauge should retain the last value it is set to
func (i *InmemSink) SetGauge(key []string, val float32, tags []Tag) {
	k, tagsStr := flattenKey(key, tags)
	intv := i.getInterval()

	intv.Lock()
	defer intv.Unlock()
	intv.Gauges[k] = GaugeValue{Name: k, Value: val, Tags: tagsStr}
}

// IncrCounter should accumulate values
func (i *InmemSink) IncrCounter(key []string, val float32, tags []Tag) {
	k, _ := flattenKey(key, tags)
	intv := i.getInterval()

	intv.Lock()
	defer intv.Unlock()
	intv.aggregateSample(intv.Counters, strings.Join(key, "."), k, val)
}

// AddSample is for timing information, where quantiles are used
func (i *InmemSink) AddSample(key []string, val float32, tags []Tag) {
	k, _ := flattenKey(key, tags)
	intv := i.getInterval()

	intv.Lock()
	defer intv.Unlock()
	intv.aggregateSample(intv.Samples, strings.Join(key, "."), k, val)
}

// DisplayMetrics renders the latest interval's gauges, counters and
// samples keyed by their flattened name, for dumping on a debug
// endpoint.
func (i *InmemSink) DisplayMetrics() (map[string]interface{}, error) {
	data := i.Data()
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}

	latest := data[len(data)-1]
	latest.RLock()
	defer latest.RUnlock()

	out := make(map[string]interface{}, len(latest.Gauges)+len(latest.Counters)+len(latest.Samples))
	for k, v := range latest.Gauges {
		out[k] = v.Value
	}
	for k, v := range latest.Counters {
		out[k] = v.String()
	}
	for k, v := range latest.Samples {
		out[k] = v.String()
	}
	return out, nil
}
