package filesync

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
)

// Remover deletes the local copy and the registry of a blob that was removed
// on the primary.
type Remover struct {
	registries RegistryStores
	guard      *lease.Guard
	filesPath  string
	logger     logrus.FieldLogger
}

// NewRemover returns a Remover sharing the download lease.
func NewRemover(registries RegistryStores, leases lease.Store, filesPath string, logger logrus.FieldLogger) *Remover {
	logger = logger.WithField("component", "file_registry_removal")
	return &Remover{
		registries: registries,
		guard:      lease.NewGuard(leases, logger),
		filesPath:  filesPath,
		logger:     logger,
	}
}

// Execute removes the blob. A file that is already gone is not an error, any
// other unlink failure is logged and returned with the registry kept.
func (r *Remover) Execute(ctx context.Context, replicableName string, id int64) (bool, error) {
	store, err := r.registries.RegistryStore(replicableName)
	if err != nil {
		return false, err
	}

	return r.guard.Try(ctx, lease.Key("geo_blob_download", replicableName, id), lease.BlobSyncTimeout, func(ctx context.Context) error {
		logger := r.logger.WithFields(logrus.Fields{
			"replicable_name": replicableName,
			"model_record_id": id,
		})

		path := replicator.BlobPath(r.filesPath, replicableName, id)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).WithField("path", path).Error("could not remove file")
			return fmt.Errorf("remove file: %w", err)
		}

		if err := store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete registry: %w", err)
		}

		logger.Info("removed file and registry")
		return nil
	})
}
