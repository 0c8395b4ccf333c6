package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookmarks_EmptyByDefault(t *testing.T) {
	db := openTestDB(t)

	refs, err := db.Bookmarks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestSetBookmarks_ReplacesAndKeepsOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetBookmarks(ctx, []string{"def456", "abc123", "", "def456"}))

	refs, err := db.Bookmarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"def456", "abc123"}, refs)

	require.NoError(t, db.SetBookmarks(ctx, []string{"xyz"}))
	refs, err = db.Bookmarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"xyz"}, refs)

	require.NoError(t, db.SetBookmarks(ctx, nil))
	refs, err = db.Bookmarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
}
