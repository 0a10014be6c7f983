package prometrics

import (
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// Instruments registers every metric the service emits and returns them keyed for observability.New.
func Instruments(r Registry) (
	map[observability.MetricKey]observability.Counter,
	map[observability.MetricKey]observability.Histogram,
) {
	counters := map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests: r.Counter(string(observability.MUsecaseRequests),
			"Total number of use case invocations.", "use_case", "outcome"),
		observability.MHTTPRequests: r.Counter(string(observability.MHTTPRequests),
			"Total number of HTTP requests.", "method", "route", "status"),
		observability.MExternalRequests: r.Counter(string(observability.MExternalRequests),
			"Calls to external dependencies.", "peer", "endpoint", "outcome"),
		observability.MRoutedEvents: r.Counter(string(observability.MRoutedEvents),
			"Change events delivered to a rule target.", "rule"),
		observability.MDeadLetters: r.Counter(string(observability.MDeadLetters),
			"Messages moved to a dead-letter queue.", "queue"),
		observability.MNotifications: r.Counter(string(observability.MNotifications),
			"Notifications sent by sink and outcome.", "sink", "outcome"),
	}
	histograms := map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration: r.Histogram(string(observability.MUsecaseDuration),
			"Duration of use case execution in seconds.", prometheus.DefBuckets, "use_case"),
		observability.MHTTPRequestDuration: r.Histogram(string(observability.MHTTPRequestDuration),
			"Duration of HTTP requests in seconds.", prometheus.DefBuckets, "method", "route", "status"),
		observability.MExternalRequestDuration: r.Histogram(string(observability.MExternalRequestDuration),
			"Duration of external dependency calls in seconds.", prometheus.DefBuckets, "peer", "endpoint"),
	}
	return counters, histograms
}
