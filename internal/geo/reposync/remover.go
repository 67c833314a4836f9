package reposync

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
)

// Remover deletes the local copy and the registry of a repository that was
// removed on the primary.
type Remover struct {
	registries       RegistryStores
	guard            *lease.Guard
	repositoriesPath string
	logger           logrus.FieldLogger
}

// NewRemover returns a Remover. It shares the sync lease so a repository is
// never removed while it is being synced.
func NewRemover(registries RegistryStores, leases lease.Store, repositoriesPath string, logger logrus.FieldLogger) *Remover {
	logger = logger.WithField("component", "repository_registry_removal")
	return &Remover{
		registries:       registries,
		guard:            lease.NewGuard(leases, logger),
		repositoriesPath: repositoriesPath,
		logger:           logger,
	}
}

// Execute removes the repository. Failing to delete the files is returned so
// the job fails visibly; the registry is kept in that case.
func (r *Remover) Execute(ctx context.Context, replicableName string, id int64) (bool, error) {
	store, err := r.registries.RegistryStore(replicableName)
	if err != nil {
		return false, err
	}

	return r.guard.Try(ctx, lease.Key("geo_sync_service", replicableName, id), lease.RepositorySyncTimeout, func(ctx context.Context) error {
		logger := r.logger.WithFields(logrus.Fields{
			"replicable_name": replicableName,
			"model_record_id": id,
		})

		path := replicator.RepositoryPath(r.repositoriesPath, replicableName, id)
		if err := os.RemoveAll(path); err != nil {
			logger.WithError(err).WithField("path", path).Error("could not remove repository")
			return fmt.Errorf("remove repository: %w", err)
		}

		if err := store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete registry: %w", err)
		}

		logger.Info("removed repository and registry")
		return nil
	})
}
