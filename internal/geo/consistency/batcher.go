package consistency

import (
	"context"
	"fmt"
)

// Range is an inclusive range of ids.
type Range struct {
	First, Last int64
}

// Batcher walks the id space of a model table and its registry table in
// fixed size batches, wrapping to the start once both are exhausted.
type Batcher struct {
	name       string
	model      Source
	registries Source
	cursors    CursorStore
	size       int
}

// NewBatcher returns a Batcher whose cursor is stored under name.
func NewBatcher(name string, model, registries Source, cursors CursorStore, size int) *Batcher {
	return &Batcher{name: name, model: model, registries: registries, cursors: cursors, size: size}
}

// NextRange returns the next range to check and the cursor following it. The
// stored cursor is left alone: callers Advance it once the range has been
// processed, so a failed batch is checked again. ok is false when both tables
// are empty.
func (b *Batcher) NextRange(ctx context.Context) (Range, int64, bool, error) {
	cursor, err := b.cursors.Get(ctx, b.name)
	if err != nil {
		return Range{}, 0, false, fmt.Errorf("get cursor: %w", err)
	}

	rng, next, ok, err := b.rangeFrom(ctx, cursor+1)
	if err != nil {
		return Range{}, 0, false, err
	}

	if !ok && cursor > 0 {
		// past the end, start over
		rng, next, ok, err = b.rangeFrom(ctx, 1)
		if err != nil {
			return Range{}, 0, false, err
		}
	}

	return rng, next, ok, nil
}

// Advance moves the cursor to next.
func (b *Batcher) Advance(ctx context.Context, next int64) error {
	if err := b.cursors.Set(ctx, b.name, next); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// rangeFrom computes the batch starting at first and the cursor following it.
// The cursor is reset when neither table has ids beyond the batch.
func (b *Batcher) rangeFrom(ctx context.Context, first int64) (Range, int64, bool, error) {
	modelLast, modelMore, modelOK, err := b.model.BatchLastID(ctx, first, b.size)
	if err != nil {
		return Range{}, 0, false, err
	}

	registryLast, registryMore, registryOK, err := b.registries.BatchLastID(ctx, first, b.size)
	if err != nil {
		return Range{}, 0, false, err
	}

	if !modelOK && !registryOK {
		return Range{}, 0, false, nil
	}

	last := modelLast
	switch {
	case !modelOK:
		last = registryLast
	case !modelMore && registryMore:
		last = registryLast
	case !modelMore && registryOK && registryLast > modelLast:
		// trailing registries without model records must be covered too
		last = registryLast
	}

	next := last
	if !modelMore && !registryMore {
		next = 0
	}

	return Range{First: first, Last: last}, next, true, nil
}
