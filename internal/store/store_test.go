package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return New(database)
}

func TestExistsFalseForUnknownArk(t *testing.T) {
	s := newTestStore(t)

	exists, err := s.Exists(context.Background(), "ark:/99999/fk4nope")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHoldIsIdempotentAndMakesArkExist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Hold(ctx, "ark:/99999/fk4abc"))
	require.NoError(t, s.Hold(ctx, "ark:/99999/fk4abc"))

	exists, err := s.Exists(ctx, "ark:/99999/fk4abc")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGetReturnsNilForAbsentArk(t *testing.T) {
	s := newTestStore(t)

	m, err := s.Get(context.Background(), "ark:/99999/nope")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestGetReturnsEmptyMapForHeldArkWithNoElements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Hold(ctx, "ark:/99999/fk4abc"))

	m, err := s.Get(ctx, "ark:/99999/fk4abc")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Empty(t, m)
}

func TestSetMergesAndPreservesExistingKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ark := "ark:/99999/fk4abc"

	require.NoError(t, s.Hold(ctx, ark))
	require.NoError(t, s.Set(ctx, ark, map[string]string{"_target": "https://example.org/a"}))
	require.NoError(t, s.Set(ctx, ark, map[string]string{"_profile": "dc"}))

	m, err := s.Get(ctx, ark)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"_target":  "https://example.org/a",
		"_profile": "dc",
	}, m)
}

func TestSetOverwritesExistingKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ark := "ark:/99999/fk4abc"

	require.NoError(t, s.Set(ctx, ark, map[string]string{"_target": "https://example.org/a"}))
	require.NoError(t, s.Set(ctx, ark, map[string]string{"_target": "https://example.org/b"}))

	m, err := s.Get(ctx, ark)
	require.NoError(t, err)
	require.Equal(t, "https://example.org/b", m["_target"])
}

func TestExistsTrueWhenOnlyElementsExistWithoutHold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ark := "ark:/99999/fk4direct"

	require.NoError(t, s.Set(ctx, ark, map[string]string{"_target": "https://example.org/x"}))

	exists, err := s.Exists(ctx, ark)
	require.NoError(t, err)
	require.True(t, exists)
}
