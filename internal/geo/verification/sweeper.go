package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// DefaultTimeout is how long a verification may stay started before it is
// considered lost.
const DefaultTimeout = 8 * time.Hour

// RegistryStores resolves the registry store of a replicable.
type RegistryStores interface {
	RegistryStore(name string) (registry.Store, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// ReplicableNames are the replicables to sweep.
	ReplicableNames []string
	// Timeout is the age after which a started verification fails.
	Timeout time.Duration
	// ReverificationInterval is the age after which a succeeded verification
	// is checked again. Zero disables reverification.
	ReverificationInterval time.Duration
	// BatchSize bounds the registries handled per replicable and run.
	BatchSize int
}

// Sweeper fails verifications that never finished and schedules periodic
// reverification.
type Sweeper struct {
	registries RegistryStores
	cfg        SweeperConfig
	policy     *delay.Policy
	now        helper.Clock
	logger     logrus.FieldLogger
}

// NewSweeper returns a Sweeper.
func NewSweeper(registries RegistryStores, cfg SweeperConfig, policy *delay.Policy, now helper.Clock, logger logrus.FieldLogger) *Sweeper {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if now == nil {
		now = helper.SystemClock
	}
	if policy == nil {
		policy = delay.NewPolicy()
	}

	return &Sweeper{
		registries: registries,
		cfg:        cfg,
		policy:     policy,
		now:        now,
		logger:     logger.WithField("component", "verification_sweeper"),
	}
}

// Sweep runs one pass over every configured replicable.
func (s *Sweeper) Sweep(ctx context.Context) error {
	for _, name := range s.cfg.ReplicableNames {
		store, err := s.registries.RegistryStore(name)
		if err != nil {
			return err
		}

		logger := s.logger.WithField("replicable_name", name)

		timedOut, err := s.failTimedOut(ctx, store)
		if err != nil {
			return fmt.Errorf("%s: fail timed out verifications: %w", name, err)
		}

		var reverified int
		if s.cfg.ReverificationInterval > 0 {
			reverified, err = store.ReverifySucceededBefore(ctx, s.now().Add(-s.cfg.ReverificationInterval), s.cfg.BatchSize)
			if err != nil {
				return fmt.Errorf("%s: reverify: %w", name, err)
			}
		}

		if timedOut > 0 || reverified > 0 {
			logger.WithFields(logrus.Fields{
				"timed_out":  timedOut,
				"reverified": reverified,
			}).Info("swept verification states")
		}
	}

	return nil
}

func (s *Sweeper) failTimedOut(ctx context.Context, store registry.Store) (int, error) {
	now := s.now()

	stale, err := store.StaleVerifications(ctx, now.Add(-s.cfg.Timeout), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	message := fmt.Sprintf("Verification timed out after %s", s.cfg.Timeout)
	for _, reg := range stale {
		if err := reg.VerificationFailed(message, "", s.policy, now); err != nil {
			return 0, err
		}
		if err := store.SaveVerification(ctx, reg); err != nil {
			return 0, err
		}
	}

	return len(stale), nil
}
