package verification

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"regexp"

	"github.com/opentracing/opentracing-go"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
)

// ZeroChecksum is the checksum of a repository without any refs.
const ZeroChecksum = "0000000000000000000000000000000000000000"

var (
	// ErrResourceMissing is returned when the local copy of a resource does not exist.
	ErrResourceMissing = errors.New("resource does not exist")

	refWhitelist = regexp.MustCompile(`HEAD|(refs/(heads|tags|keep-around|merge-requests|environments|notes)/)`)
)

// Checksummer computes the checksum of the local copy of a resource.
type Checksummer interface {
	Checksum(ctx context.Context, replicableName string, id int64) (string, error)
}

// RefLister lists the refs of a repository as "<oid> <refname>" lines.
type RefLister interface {
	ListRefs(ctx context.Context, repoPath string) ([]string, error)
	IsValidRepository(ctx context.Context, repoPath string) bool
}

// RepositoryChecksummer checksums the refs of a git repository.
type RepositoryChecksummer struct {
	git  RefLister
	root string
}

// NewRepositoryChecksummer returns a checksummer for repositories below root.
func NewRepositoryChecksummer(git RefLister, root string) *RepositoryChecksummer {
	return &RepositoryChecksummer{git: git, root: root}
}

// Checksum XORs the SHA1 of every whitelisted ref line. The result does not
// depend on the ref order. A valid repository without refs has ZeroChecksum.
func (c *RepositoryChecksummer) Checksum(ctx context.Context, replicableName string, id int64) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "verification.RepositoryChecksum")
	defer span.Finish()

	path := replicator.RepositoryPath(c.root, replicableName, id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrResourceMissing, path)
		}
		return "", err
	}

	refs, err := c.git.ListRefs(ctx, path)
	if err != nil || len(refs) == 0 {
		if c.git.IsValidRepository(ctx, path) {
			return ZeroChecksum, nil
		}
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("not a git repository '%s'", path)
	}

	return refsChecksum(refs), nil
}

func refsChecksum(refs []string) string {
	checksum := new(big.Int)
	for _, ref := range refs {
		if !refWhitelist.MatchString(ref) {
			continue
		}

		h := sha1.New()
		// hash.Hash will never return an error.
		_, _ = io.WriteString(h, ref)

		checksum.Xor(checksum, new(big.Int).SetBytes(h.Sum(nil)))
	}

	return fmt.Sprintf("%040x", checksum)
}

// FileChecksummer checksums the contents of a blob.
type FileChecksummer struct {
	root string
}

// NewFileChecksummer returns a checksummer for blobs below root.
func NewFileChecksummer(root string) *FileChecksummer {
	return &FileChecksummer{root: root}
}

// Checksum returns the hex encoded SHA256 of the file.
func (c *FileChecksummer) Checksum(ctx context.Context, replicableName string, id int64) (string, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "verification.FileChecksum")
	defer span.Finish()

	path := replicator.BlobPath(c.root, replicableName, id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrResourceMissing, path)
		}
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// KindChecksummer picks the checksummer matching the kind of the replicable.
type KindChecksummer struct {
	Repository Checksummer
	Blob       Checksummer
}

// Checksum implements Checksummer.
func (c KindChecksummer) Checksum(ctx context.Context, replicableName string, id int64) (string, error) {
	def, ok := replicator.Lookup(replicableName)
	if !ok {
		return "", fmt.Errorf("%w: %q", replicator.ErrUnknownReplicable, replicableName)
	}

	if def.Kind == replicator.KindRepository {
		return c.Repository.Checksum(ctx, replicableName, id)
	}
	return c.Blob.Checksum(ctx, replicableName, id)
}
