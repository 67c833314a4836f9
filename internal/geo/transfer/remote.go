package transfer

import (
	"fmt"
	"net/url"
	"strings"
)

// Remote locates the repositories of the primary.
type Remote struct {
	baseURL string
	signer  *Signer
}

// NewRemote returns a Remote for the primary at baseURL.
func NewRemote(baseURL string, signer *Signer) *Remote {
	return &Remote{baseURL: strings.TrimRight(baseURL, "/"), signer: signer}
}

// RepositoryURL returns the git remote URL of the repository.
func (r *Remote) RepositoryURL(replicableName string, id int64) string {
	return fmt.Sprintf("%s/api/v4/geo/repositories/%s/%d.git", r.baseURL, url.PathEscape(replicableName), id)
}

// SnapshotURL returns the URL serving a tar snapshot of the repository.
func (r *Remote) SnapshotURL(replicableName string, id int64) string {
	return fmt.Sprintf("%s/api/v4/geo/repositories/%s/%d/snapshot", r.baseURL, url.PathEscape(replicableName), id)
}

// AuthHeader returns a signed Authorization header scoped to the repository.
func (r *Remote) AuthHeader(replicableName string, id int64) (string, error) {
	return r.signer.Header(map[string]interface{}{
		"replicable_name": replicableName,
		"replicable_id":   id,
	})
}
