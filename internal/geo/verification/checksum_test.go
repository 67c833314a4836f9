package verification

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/cache"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/geo/transfer"
	"gitlab.com/gitlab-org/geo/internal/testhelper"
)

const (
	masterRef = "1e292f8fedd741b75372e19097c76d327140cb8f refs/heads/master"
	tagRef    = "5937ac0a7beb003549fc5fd26fc247adbce4a52e refs/tags/v1.0.0"
)

func TestRefsChecksum(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		refs     []string
		checksum string
	}{
		{
			desc:     "single ref",
			refs:     []string{masterRef},
			checksum: "7c547934c5abaac949769d15a422d577828c799f",
		},
		{
			desc:     "multiple refs",
			refs:     []string{masterRef, tagRef},
			checksum: "60ee5c97033acb3a941771480d087c11c8328f90",
		},
		{
			desc:     "order does not matter",
			refs:     []string{tagRef, masterRef},
			checksum: "60ee5c97033acb3a941771480d087c11c8328f90",
		},
		{
			desc:     "refs outside the whitelist are ignored",
			refs:     []string{masterRef, "5937ac0a7beb003549fc5fd26fc247adbce4a52e refs/pipelines/12"},
			checksum: "7c547934c5abaac949769d15a422d577828c799f",
		},
		{
			desc:     "only ignored refs",
			refs:     []string{"5937ac0a7beb003549fc5fd26fc247adbce4a52e refs/pipelines/12"},
			checksum: ZeroChecksum,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.checksum, refsChecksum(tc.refs))
		})
	}
}

type fakeRefLister struct {
	refs  []string
	err   error
	valid bool
}

func (l fakeRefLister) ListRefs(context.Context, string) ([]string, error) { return l.refs, l.err }

func (l fakeRefLister) IsValidRepository(context.Context, string) bool { return l.valid }

func TestRepositoryChecksummer(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(replicator.RepositoryPath(root, replicator.Repository, 1), 0o755))

	for _, tc := range []struct {
		desc     string
		lister   fakeRefLister
		id       int64
		checksum string
		err      error
	}{
		{
			desc:     "refs",
			lister:   fakeRefLister{refs: []string{masterRef}},
			id:       1,
			checksum: "7c547934c5abaac949769d15a422d577828c799f",
		},
		{
			desc:     "empty repository",
			lister:   fakeRefLister{valid: true},
			id:       1,
			checksum: ZeroChecksum,
		},
		{
			desc:   "broken repository",
			lister: fakeRefLister{err: errors.New("fatal: not a git repository")},
			id:     1,
		},
		{
			desc:   "missing repository",
			lister: fakeRefLister{valid: true},
			id:     2,
			err:    ErrResourceMissing,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			checksum, err := NewRepositoryChecksummer(tc.lister, root).Checksum(ctx, replicator.Repository, tc.id)
			if tc.checksum == "" {
				require.Error(t, err)
				if tc.err != nil {
					require.True(t, errors.Is(err, tc.err))
				}
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.checksum, checksum)
		})
	}
}

func TestRepositoryChecksummer_git(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not available")
	}

	ctx, cancel := testhelper.Context()
	defer cancel()

	root := t.TempDir()
	path := replicator.RepositoryPath(root, replicator.Wiki, 1)
	output, err := exec.Command("git", "init", "--bare", "--quiet", path).CombinedOutput()
	require.NoError(t, err, string(output))

	checksummer := NewRepositoryChecksummer(transfer.NewGitTransport("git", nil, testhelper.NewDiscardingLogEntry(t)), root)

	checksum, err := checksummer.Checksum(ctx, replicator.Wiki, 1)
	require.NoError(t, err)
	require.Equal(t, ZeroChecksum, checksum)

	again, err := checksummer.Checksum(ctx, replicator.Wiki, 1)
	require.NoError(t, err)
	require.Equal(t, checksum, again)
}

func TestFileChecksummer(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	root := t.TempDir()
	testhelper.WriteFile(t, filepath.Join(root, replicator.LFSObject, "1"), []byte("content"))

	checksummer := NewFileChecksummer(root)

	checksum, err := checksummer.Checksum(ctx, replicator.LFSObject, 1)
	require.NoError(t, err)
	require.Equal(t, "ed7002b439e9ac845f22357d822bac1444730fbdb6016d3ec9432297b9ec9f73", checksum)

	_, err = checksummer.Checksum(ctx, replicator.LFSObject, 2)
	require.True(t, errors.Is(err, ErrResourceMissing))
}

type namedChecksummer string

func (c namedChecksummer) Checksum(context.Context, string, int64) (string, error) {
	return string(c), nil
}

func TestKindChecksummer(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	checksummer := KindChecksummer{Repository: namedChecksummer("repository"), Blob: namedChecksummer("blob")}

	for name, expected := range map[string]string{
		replicator.Design:      "repository",
		replicator.Wiki:        "repository",
		replicator.JobArtifact: "blob",
		replicator.Upload:      "blob",
	} {
		checksum, err := checksummer.Checksum(ctx, name, 1)
		require.NoError(t, err)
		require.Equal(t, expected, checksum, name)
	}

	_, err := checksummer.Checksum(ctx, "unknown", 1)
	require.True(t, errors.Is(err, replicator.ErrUnknownReplicable))
}

type countingPrimary struct {
	fakePrimary
	calls int
}

func (p *countingPrimary) PrimaryChecksum(ctx context.Context, name string, id int64) (string, error) {
	p.calls++
	return p.fakePrimary.PrimaryChecksum(ctx, name, id)
}

func TestCachedPrimaryChecksums(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	c, err := cache.New(10)
	require.NoError(t, err)

	source := &countingPrimary{fakePrimary: fakePrimary{1: "abc"}}
	cached := NewCachedPrimaryChecksums(source, c)

	for i := 0; i < 3; i++ {
		checksum, err := cached.PrimaryChecksum(ctx, replicator.Repository, 1)
		require.NoError(t, err)
		require.Equal(t, "abc", checksum)
	}
	require.Equal(t, 1, source.calls)

	source.fakePrimary[1] = "def"
	c.Expire(replicator.Repository, 1)

	checksum, err := cached.PrimaryChecksum(ctx, replicator.Repository, 1)
	require.NoError(t, err)
	require.Equal(t, "def", checksum)
	require.Equal(t, 2, source.calls)

	_, err = cached.PrimaryChecksum(ctx, replicator.Repository, 2)
	require.True(t, errors.Is(err, ErrPrimaryChecksumMissing))
	require.Equal(t, 1, c.Len(), "failures are not cached")
}
