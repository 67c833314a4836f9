package replicator

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// RepositoryPath returns where the repository of the resource is stored below root.
func RepositoryPath(root, replicableName string, id int64) string {
	return filepath.Join(root, replicableName, fmt.Sprintf("%d.git", id))
}

// BlobPath returns where the blob of the resource is stored below root.
func BlobPath(root, replicableName string, id int64) string {
	return filepath.Join(root, replicableName, strconv.FormatInt(id, 10))
}
