package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	// metrics labels
	listenerLabel = "listener"
	resultLabel   = "result"

	fetchResultSuccess = "success"
	fetchResultFailure = "failure"
)

type (
	listenerMetricsVecs struct {
		subscribers     *prometheus.GaugeVec
		updates         *prometheus.CounterVec
		fetches         *prometheus.CounterVec
		retries         *prometheus.CounterVec
		refreshFailures *prometheus.CounterVec
	}

	listenerMetrics struct {
		labels          prometheus.Labels
		vecs            listenerMetricsVecs
		subscribers     prometheus.Gauge
		updates         prometheus.Counter
		retries         prometheus.Counter
		refreshFailures prometheus.Counter
	}
)

var listenerVecs = newListenerMetricsVecs()

func newListenerMetricsVecs() listenerMetricsVecs {
	labels := []string{listenerLabel}

	subscribers := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "instances_listener_subscribers",
			Help: "A gauge for the current number of service-key subscribers on an instances listener.",
		},
		labels,
	)

	updates := promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instances_listener_updates",
			Help: "A counter for the number of published address updates.",
		},
		labels,
	)

	fetches := promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instances_listener_metadata_fetches",
			Help: "A counter for metadata fetch attempts, partitioned by result.",
		},
		[]string{listenerLabel, resultLabel},
	)

	retries := promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instances_listener_retries_scheduled",
			Help: "A counter for scheduled address refresh retry tasks.",
		},
		labels,
	)

	refreshFailures := promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instances_listener_refresh_failures",
			Help: "A counter for reconciliation passes that ended with unresolved revisions.",
		},
		labels,
	)

	return listenerMetricsVecs{
		subscribers:     subscribers,
		updates:         updates,
		fetches:         fetches,
		retries:         retries,
		refreshFailures: refreshFailures,
	}
}

func (lv listenerMetricsVecs) newListenerMetrics(listener string) listenerMetrics {
	labels := prometheus.Labels{listenerLabel: listener}
	return listenerMetrics{
		labels:          labels,
		vecs:            lv,
		subscribers:     lv.subscribers.With(labels),
		updates:         lv.updates.With(labels),
		retries:         lv.retries.With(labels),
		refreshFailures: lv.refreshFailures.With(labels),
	}
}

func (lm listenerMetrics) setSubscribers(n int) {
	lm.subscribers.Set(float64(n))
}

func (lm listenerMetrics) incUpdates() {
	lm.updates.Inc()
}

func (lm listenerMetrics) incRetries() {
	lm.retries.Inc()
}

func (lm listenerMetrics) incRefreshFailures() {
	lm.refreshFailures.Inc()
}

func (lm listenerMetrics) incFetches(result string) {
	lm.vecs.fetches.With(prometheus.Labels{
		listenerLabel: lm.labels[listenerLabel],
		resultLabel:   result,
	}).Inc()
}

func (lm listenerMetrics) unregister() {
	if !lm.vecs.subscribers.Delete(lm.labels) {
		log.Warnf("unable to delete instances_listener_subscribers metric with labels %s", lm.labels)
	}
	if !lm.vecs.updates.Delete(lm.labels) {
		log.Warnf("unable to delete instances_listener_updates metric with labels %s", lm.labels)
	}
	if !lm.vecs.retries.Delete(lm.labels) {
		log.Warnf("unable to delete instances_listener_retries_scheduled metric with labels %s", lm.labels)
	}
	if !lm.vecs.refreshFailures.Delete(lm.labels) {
		log.Warnf("unable to delete instances_listener_refresh_failures metric with labels %s", lm.labels)
	}
}
