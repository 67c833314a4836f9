package consistency

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"sync"

	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
)

// Source is an ordered set of ids, the primary keys of a model table or the
// model record ids tracked by a registry table.
type Source interface {
	// BatchLastID returns the largest of the first size ids that are >= from
	// and whether larger ids exist. ok is false when there is no id >= from.
	BatchLastID(ctx context.Context, from int64, size int) (last int64, more, ok bool, err error)
	// IDs returns the ids between from and to, inclusive, in ascending order.
	IDs(ctx context.Context, from, to int64) ([]int64, error)
	// LastID returns the largest id. ok is false when the set is empty.
	LastID(ctx context.Context) (last int64, ok bool, err error)
}

// PostgresSource reads ids from column of table.
type PostgresSource struct {
	db     glsql.Querier
	table  string
	column string
}

// NewPostgresSource returns a Source over column of table.
func NewPostgresSource(db glsql.Querier, table, column string) *PostgresSource {
	return &PostgresSource{db: db, table: table, column: column}
}

// NewModelSource returns the Source of a model table.
func NewModelSource(db glsql.Querier, modelTable string) *PostgresSource {
	return NewPostgresSource(db, modelTable, "id")
}

// NewRegistrySource returns the Source of a registry table.
func NewRegistrySource(db glsql.Querier, registryTable string) *PostgresSource {
	return NewPostgresSource(db, registryTable, "model_record_id")
}

// BatchLastID implements Source.
func (s *PostgresSource) BatchLastID(ctx context.Context, from int64, size int) (int64, bool, bool, error) {
	var last sql.NullInt64
	var more bool
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(batch.id), EXISTS (SELECT 1 FROM %[1]s WHERE %[2]s > MAX(batch.id))
		FROM (
			SELECT %[2]s AS id FROM %[1]s
			WHERE %[2]s >= $1
			ORDER BY %[2]s
			LIMIT $2
		) AS batch`, s.table, s.column),
		from, size,
	).Scan(&last, &more); err != nil {
		return 0, false, false, fmt.Errorf("batch last id of %s: %w", s.table, err)
	}

	return last.Int64, more, last.Valid, nil
}

// IDs implements Source.
func (s *PostgresSource) IDs(ctx context.Context, from, to int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s
		WHERE %[2]s BETWEEN $1 AND $2
		ORDER BY %[2]s`, s.table, s.column),
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("ids of %s: %w", s.table, err)
	}
	defer rows.Close()

	var ids glsql.Int64Provider
	if err := glsql.ScanAll(rows, &ids); err != nil {
		return nil, fmt.Errorf("scan ids of %s: %w", s.table, err)
	}

	return ids.Values(), nil
}

// LastID implements Source.
func (s *PostgresSource) LastID(ctx context.Context) (int64, bool, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(%s) FROM %s`, s.column, s.table)).Scan(&last); err != nil {
		return 0, false, fmt.Errorf("last id of %s: %w", s.table, err)
	}

	return last.Int64, last.Valid, nil
}

// MemorySource is an in-memory Source.
type MemorySource struct {
	mu  sync.Mutex
	ids []int64
}

// NewMemorySource returns a MemorySource holding ids.
func NewMemorySource(ids ...int64) *MemorySource {
	s := &MemorySource{}
	s.Add(ids...)
	return s
}

// Add inserts ids into the set.
func (s *MemorySource) Add(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
		if i < len(s.ids) && s.ids[i] == id {
			continue
		}
		s.ids = append(s.ids, 0)
		copy(s.ids[i+1:], s.ids[i:])
		s.ids[i] = id
	}
}

// Remove deletes ids from the set.
func (s *MemorySource) Remove(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
		if i < len(s.ids) && s.ids[i] == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
		}
	}
}

// BatchLastID implements Source.
func (s *MemorySource) BatchLastID(_ context.Context, from int64, size int) (int64, bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return batchLastID(s.ids, from, size)
}

// IDs implements Source.
func (s *MemorySource) IDs(_ context.Context, from, to int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, id := range s.ids {
		if id >= from && id <= to {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LastID implements Source.
func (s *MemorySource) LastID(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ids) == 0 {
		return 0, false, nil
	}
	return s.ids[len(s.ids)-1], true, nil
}

func batchLastID(sorted []int64, from int64, size int) (int64, bool, bool, error) {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= from })
	if i == len(sorted) {
		return 0, false, false, nil
	}

	end := i + size
	if end > len(sorted) {
		end = len(sorted)
	}

	return sorted[end-1], end < len(sorted), true, nil
}

// StoreSource exposes the model record ids tracked by a registry store. It
// lists every tracked id on each call and suits the in-memory stores only.
type StoreSource struct {
	store registry.Store
}

// NewStoreSource returns a Source over store.
func NewStoreSource(store registry.Store) *StoreSource {
	return &StoreSource{store: store}
}

// BatchLastID implements Source.
func (s *StoreSource) BatchLastID(ctx context.Context, from int64, size int) (int64, bool, bool, error) {
	ids, err := s.store.ExistingIDs(ctx, from, math.MaxInt64)
	if err != nil {
		return 0, false, false, err
	}
	return batchLastID(ids, from, size)
}

// IDs implements Source.
func (s *StoreSource) IDs(ctx context.Context, from, to int64) ([]int64, error) {
	return s.store.ExistingIDs(ctx, from, to)
}

// LastID implements Source.
func (s *StoreSource) LastID(ctx context.Context) (int64, bool, error) {
	ids, err := s.store.ExistingIDs(ctx, 0, math.MaxInt64)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[len(ids)-1], true, nil
}
