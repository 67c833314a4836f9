package status

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	descRegistries = prometheus.NewDesc(
		"geo_registries",
		"Number of registries by sync state.",
		[]string{"replicable_name", "state"},
		nil,
	)
	descMissingOnPrimary = prometheus.NewDesc(
		"geo_registries_missing_on_primary",
		"Number of registries synced while missing on the primary.",
		[]string{"replicable_name"},
		nil,
	)
	descVerifications = prometheus.NewDesc(
		"geo_registries_verification",
		"Number of registries by finished verification state.",
		[]string{"replicable_name", "state"},
		nil,
	)
	descSyncedPercentage = prometheus.NewDesc(
		"geo_registries_synced_percentage",
		"Percentage of registries that are synced.",
		[]string{"replicable_name"},
		nil,
	)
	descVerifiedPercentage = prometheus.NewDesc(
		"geo_registries_verified_percentage",
		"Percentage of registries that are verified.",
		[]string{"replicable_name"},
		nil,
	)
)

// Collector exposes the status of a Reporter as Prometheus gauges.
type Collector struct {
	log      logrus.FieldLogger
	reporter *Reporter
	timeout  time.Duration
}

// NewCollector returns a Collector querying reporter on each scrape.
func NewCollector(log logrus.FieldLogger, reporter *Reporter, timeout time.Duration) *Collector {
	return &Collector{
		log:      log.WithField("component", "status_collector"),
		reporter: reporter,
		timeout:  timeout,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	statuses, err := c.reporter.Collect(ctx)
	if err != nil {
		c.log.WithError(err).Error("failed collecting registry status metrics")
		return
	}

	for _, s := range statuses {
		for state, count := range map[string]int64{
			"pending": s.PendingCount,
			"started": s.StartedCount,
			"synced":  s.SyncedCount,
			"failed":  s.FailedCount,
		} {
			ch <- prometheus.MustNewConstMetric(descRegistries, prometheus.GaugeValue, float64(count), s.ReplicableName, state)
		}

		ch <- prometheus.MustNewConstMetric(descMissingOnPrimary, prometheus.GaugeValue, float64(s.MissingOnPrimaryCount), s.ReplicableName)
		ch <- prometheus.MustNewConstMetric(descVerifications, prometheus.GaugeValue, float64(s.VerifiedCount), s.ReplicableName, "succeeded")
		ch <- prometheus.MustNewConstMetric(descVerifications, prometheus.GaugeValue, float64(s.VerificationFailedCount), s.ReplicableName, "failed")
		ch <- prometheus.MustNewConstMetric(descSyncedPercentage, prometheus.GaugeValue, s.SyncedInPercentage, s.ReplicableName)
		ch <- prometheus.MustNewConstMetric(descVerifiedPercentage, prometheus.GaugeValue, s.VerifiedInPercentage, s.ReplicableName)
	}
}
