// Package verification computes checksums of replicated resources and records
// the outcome on their registries. On the primary the checksum is stored, on a
// secondary it is compared with the one of the primary.
package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

const (
	reasonMismatch         = "Checksum mismatch"
	reasonCalculationError = "Error calculating checksum"
)

// Worker verifies batches of one replicable kind.
type Worker struct {
	replicableName string
	store          registry.Store
	checksummer    Checksummer
	// primary is nil on the primary site itself
	primary   PrimaryChecksums
	policy    *delay.Policy
	now       helper.Clock
	batchSize int
	logger    logrus.FieldLogger

	verificationsTotal *prometheus.CounterVec
	duration           prometheus.Histogram
}

// NewWorker returns a Worker. A nil primary makes the worker store the
// checksums it computes instead of comparing them.
func NewWorker(replicableName string, store registry.Store, checksummer Checksummer, primary PrimaryChecksums, policy *delay.Policy, now helper.Clock, batchSize int, logger logrus.FieldLogger) *Worker {
	if now == nil {
		now = helper.SystemClock
	}
	if policy == nil {
		policy = delay.NewPolicy()
	}

	return &Worker{
		replicableName: replicableName,
		store:          store,
		checksummer:    checksummer,
		primary:        primary,
		policy:         policy,
		now:            now,
		batchSize:      batchSize,
		logger: logger.WithFields(logrus.Fields{
			"component":       "verification_worker",
			"replicable_name": replicableName,
		}),
		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "geo_verifications_total",
				Help:        "Total number of verifications by result",
				ConstLabels: prometheus.Labels{"replicable_name": replicableName},
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "geo_verification_checksum_duration_seconds",
			Help:        "Time spent calculating checksums",
			ConstLabels: prometheus.Labels{"replicable_name": replicableName},
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

// Describe returns all metric descriptors.
func (w *Worker) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(w, descs)
}

// Collect collects all metrics.
func (w *Worker) Collect(collector chan<- prometheus.Metric) {
	w.verificationsTotal.Collect(collector)
	w.duration.Collect(collector)
}

// PerformBatch claims the next batch of registries due for verification and
// verifies each of them. It returns the number of claimed registries.
func (w *Worker) PerformBatch(ctx context.Context) (int, error) {
	claimed, err := w.store.ClaimVerificationBatch(ctx, registry.ClaimOptions{
		Limit:      w.batchSize,
		Now:        w.now(),
		SyncedOnly: w.primary != nil,
	})
	if err != nil {
		return 0, fmt.Errorf("claim verification batch: %w", err)
	}

	for _, reg := range claimed {
		if err := w.verify(ctx, reg); err != nil {
			return len(claimed), err
		}
	}

	return len(claimed), nil
}

type outcome struct {
	checksum   string
	failure    string
	mismatched string
}

func (w *Worker) verify(ctx context.Context, reg *registry.Registry) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "verification.Verify")
	span.SetTag("replicable_name", w.replicableName)
	span.SetTag("model_record_id", reg.ModelRecordID)
	defer span.Finish()

	logger := w.logger.WithField("model_record_id", reg.ModelRecordID)

	result := w.calculate(ctx, reg.ModelRecordID)

	current, err := w.store.Find(ctx, reg.ModelRecordID)
	if err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	if current.VerificationState != registry.VerificationStarted || !sameTime(current.VerificationStartedAt, reg.VerificationStartedAt) {
		w.verificationsTotal.WithLabelValues("stale").Inc()
		logger.Info("resource changed during checksum calculation, discarding the result")

		current.VerificationPending()
		return w.store.SaveVerification(ctx, current)
	}

	now := w.now()
	if result.failure == "" {
		if err := reg.VerificationSucceeded(result.checksum, now); err != nil {
			return err
		}
		w.verificationsTotal.WithLabelValues("succeeded").Inc()
		logger.WithField("checksum", result.checksum).Debug("verification succeeded")
	} else {
		if err := reg.VerificationFailed(result.failure, result.mismatched, w.policy, now); err != nil {
			return err
		}
		w.verificationsTotal.WithLabelValues("failed").Inc()
		span.SetTag("error", true)
		logger.WithFields(logrus.Fields{
			"verification_failure":             reg.VerificationFailure,
			"verification_checksum_mismatched": result.mismatched,
			"verification_retry_count":         reg.VerificationRetryCount,
		}).Warn("verification failed")
	}

	return w.store.SaveVerification(ctx, reg)
}

func (w *Worker) calculate(ctx context.Context, id int64) outcome {
	start := time.Now()
	checksum, err := w.checksummer.Checksum(ctx, w.replicableName, id)
	w.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		return outcome{failure: fmt.Sprintf("%s: %v", reasonCalculationError, err)}
	}

	if w.primary == nil {
		return outcome{checksum: checksum}
	}

	primaryChecksum, err := w.primary.PrimaryChecksum(ctx, w.replicableName, id)
	if err != nil {
		return outcome{failure: fmt.Sprintf("Error fetching primary checksum: %v", err)}
	}

	// the primary may have reverified since its checksum was cached
	if r, ok := w.primary.(refresher); ok && primaryChecksum != checksum {
		if primaryChecksum, err = r.Refresh(ctx, w.replicableName, id); err != nil {
			return outcome{failure: fmt.Sprintf("Error fetching primary checksum: %v", err)}
		}
	}

	if primaryChecksum != checksum {
		return outcome{failure: reasonMismatch, mismatched: checksum}
	}

	return outcome{checksum: checksum}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
