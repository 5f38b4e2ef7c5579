package perps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonsim/marketcore/internal/domain"
)

type flushStore struct {
	flushed [][]domain.PositionMark
	err     error
}

func (s *flushStore) UpsertMarks(ctx context.Context, marks []domain.PositionMark) error {
	if s.err != nil {
		return s.err
	}
	s.flushed = append(s.flushed, marks)
	return nil
}

func TestSyncOnceFlushesDirtyMarks(t *testing.T) {
	e := testEngine()
	store := &flushStore{}
	r := NewReconciler(e, store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pos, err := e.Open("u1", "ACME", domain.SideLong, d(100), d(5), d(100))
	require.NoError(t, err)
	e.ApplyPriceUpdate("ACME", d(105))

	n, err := r.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, store.flushed, 1)
	assert.Equal(t, pos.ID, store.flushed[0][0].ID)
	assert.True(t, store.flushed[0][0].CurrentPrice.Equal(d(105)))

	// A clean engine flushes nothing.
	n, err = r.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncOnceRequeuesOnFailure(t *testing.T) {
	e := testEngine()
	store := &flushStore{err: errors.New("db down")}
	r := NewReconciler(e, store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pos, err := e.Open("u1", "ACME", domain.SideLong, d(100), d(5), d(100))
	require.NoError(t, err)

	n, err := r.SyncOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	// The failed marks are requeued and retried on the next sweep.
	store.err = nil
	n, err = r.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, store.flushed, 1)
	assert.Equal(t, pos.ID, store.flushed[0][0].ID)
}
