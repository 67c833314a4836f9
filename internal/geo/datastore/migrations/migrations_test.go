package migrations

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAll_uniqueOrderedIDs(t *testing.T) {
	ids := make([]string, 0, len(All()))
	seen := make(map[string]struct{})
	for _, m := range All() {
		require.NotEmpty(t, m.Up, "migration %q has no up statements", m.Id)
		require.NotEmpty(t, m.Down, "migration %q has no down statements", m.Id)

		_, dup := seen[m.Id]
		require.False(t, dup, "duplicate migration id %q", m.Id)
		seen[m.Id] = struct{}{}
		ids = append(ids, m.Id)
	}

	require.True(t, sort.StringsAreSorted(ids), "migrations must be registered in id order: %v", ids)
}
