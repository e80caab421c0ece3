package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/docstore/memory"
	"github.com/warp/hoa-billing/engine"
)

type counter struct {
	N int `json:"n"`
}

func TestRunTransaction_CommitsAllWrites(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	err := store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		if err := tx.Set("clients/c1/a", counter{N: 1}); err != nil {
			return err
		}
		return tx.Set("clients/c1/b", counter{N: 2})
	})
	require.NoError(t, err)

	a, err := docstore.Load[counter](ctx, store, "clients/c1/a")
	require.NoError(t, err)
	assert.Equal(t, 1, a.N)

	docs, err := store.List(ctx, "clients/c1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "clients/c1/a", docs[0].Path)
}

func TestRunTransaction_ErrorDiscardsWrites(t *testing.T) {
	// GIVEN: a unit of work that writes then fails
	store := memory.New()
	ctx := context.Background()
	boom := errors.New("boom")

	// WHEN: it returns an error
	err := store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		require.NoError(t, tx.Set("clients/c1/a", counter{N: 1}))
		return boom
	})

	// THEN: nothing is visible
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Len())
}

func TestRunTransaction_ReadAfterWriteRejected(t *testing.T) {
	store := memory.New()
	err := store.RunTransaction(context.Background(), func(_ context.Context, tx docstore.Tx) error {
		require.NoError(t, tx.Set("x", counter{}))
		_, err := tx.Get("y")
		return err
	})
	assert.ErrorIs(t, err, docstore.ErrReadAfterWrite)
	assert.Equal(t, 0, store.Len())
}

func TestRunTransaction_ConcurrentModificationConflicts(t *testing.T) {
	// GIVEN: a document read by a unit of work
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, docstore.Save(ctx, store, "doc", counter{N: 1}))

	// AND: another writer commits between the read and the commit
	store.OnBeforeCommit(func() {
		require.NoError(t, docstore.Save(ctx, store, "doc", counter{N: 100}))
	})

	// WHEN: the first unit of work commits
	err := store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		c, err := docstore.GetAs[counter](tx, "doc")
		if err != nil {
			return err
		}
		c.N++
		return tx.Set("doc", c)
	})

	// THEN: it is aborted as retryable and the other write survives
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
	got, err := docstore.Load[counter](ctx, store, "doc")
	require.NoError(t, err)
	assert.Equal(t, 100, got.N)
}

func TestRunTransaction_AbsentReadConflictsWithCreate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	store.OnBeforeCommit(func() {
		require.NoError(t, docstore.Save(ctx, store, "doc", counter{N: 7}))
	})

	err := store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		c, err := docstore.GetAs[counter](tx, "doc")
		require.NoError(t, err)
		assert.Nil(t, c)
		return tx.Set("doc", counter{N: 1})
	})
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestRunWithRetry_ReRunsOnConflict(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, docstore.Save(ctx, store, "doc", counter{N: 1}))
	store.OnBeforeCommit(func() {
		require.NoError(t, docstore.Save(ctx, store, "doc", counter{N: 10}))
	})

	runs := 0
	err := docstore.RunWithRetry(ctx, store, 3, func(_ context.Context, tx docstore.Tx) error {
		runs++
		c, err := docstore.GetAs[counter](tx, "doc")
		if err != nil {
			return err
		}
		c.N++
		return tx.Set("doc", c)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)

	got, err := docstore.Load[counter](ctx, store, "doc")
	require.NoError(t, err)
	assert.Equal(t, 11, got.N)
}

func TestDelete_RemovesDocument(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, docstore.Save(ctx, store, "doc", counter{N: 1}))

	err := store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		if _, err := tx.Get("doc"); err != nil {
			return err
		}
		return tx.Delete("doc")
	})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
