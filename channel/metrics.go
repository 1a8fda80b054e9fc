package channel

import (
	"strconv"

	"github.com/signature-opensource/ck-commchannel/metrics"
)

// reportStatus emits the channel's connection availability as a gauge,
// tagged by channel name, through the package's statsd/Prometheus facade.
func reportStatus(ch *Channel, s Availability) {
	metrics.SetGauge(
		[]string{"ck_commchannel", "connection_status"},
		float32(s),
		metrics.Tag{Name: "channel", Value: strconv.FormatUint(ch.name, 10)},
	)
}

// reportReconnectAttempt counts every failed open that leads to another
// scheduled attempt.
func reportReconnectAttempt(ch *Channel) {
	metrics.IncrCounter(
		[]string{"ck_commchannel", "reconnect_attempts"},
		1,
		metrics.Tag{Name: "channel", Value: strconv.FormatUint(ch.name, 10)},
	)
}
