//go:build integration

package db

import (
	"context"
	"testing"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/Harvey-AU/rankbee/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	testutil.LoadTestEnv(t)
	testutil.RequireEnv(t, "DATABASE_URL")

	database, err := InitFromEnv()
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.ResetSchema())
	return database
}

func TestKeywordRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Keywords()

	created, err := repo.BulkCreate(ctx, []*keywords.Keyword{
		testutil.NewKeyword("running shoes", "example.com"),
		testutil.NewKeyword("trail shoes", "example.com"),
		testutil.NewKeyword("running shoes", "example.com"),
	})
	require.NoError(t, err)
	require.Len(t, created, 2, "duplicate tuple is skipped")

	id := created[0].ID
	history := keywords.History{"2024-05-09": 8, "2024-05-10": 5}
	pos := 5
	n, err := repo.Update(ctx, keywords.ByID(id), keywords.Patch{
		Position:           &pos,
		History:            history,
		SetLastUpdateError: true,
		LastUpdateError:    nil,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.FindOne(ctx, keywords.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, 5, got.Position)
	assert.Equal(t, history, got.History)
	assert.Equal(t, -3, got.PositionChange())
	assert.Nil(t, got.LastUpdateError)

	all, err := repo.FindAll(ctx, keywords.Filter{Domain: "example.com"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err = repo.Destroy(ctx, keywords.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.FindOne(ctx, keywords.ByID(id))
	assert.ErrorIs(t, err, keywords.ErrNotFound)
}

func TestKeywordRepository_ResetStuckFlags(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Keywords()

	created, err := repo.BulkCreate(ctx, []*keywords.Keyword{testutil.NewKeyword("hats", "example.com")})
	require.NoError(t, err)
	require.Len(t, created, 1)

	_, err = repo.Update(ctx, keywords.ByID(created[0].ID), keywords.Patch{Updating: keywords.BoolPtr(true)})
	require.NoError(t, err)

	n, err := repo.Update(ctx,
		keywords.Filter{Updating: keywords.BoolPtr(true)},
		keywords.Patch{Updating: keywords.BoolPtr(false)},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
