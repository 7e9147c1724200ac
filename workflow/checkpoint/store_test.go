package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/layerflow/internal/database"
	"github.com/BaSui01/layerflow/workflow/state"
)

func sampleCheckpoint(thread, ns string, step int) *Checkpoint {
	rec := state.New("s1", "summarize")
	rec = state.Apply(rec, state.Update{
		Goal:    state.Ptr("report"),
		Plan:    map[string]any{"steps": []any{"a", "b"}},
		Tasks:   []state.TaskPatch{{ID: "t1", Description: state.Ptr("fetch")}},
		Actions: []state.ActionEntry{{Node: "plan", Action: "planned"}},
	}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return &Checkpoint{
		ThreadID:  thread,
		Namespace: ns,
		ID:        fmt.Sprintf("cp-%d", step),
		Step:      step,
		Node:      "plan",
		NextNode:  "execute",
		Record:    rec,
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, step, 0, time.UTC),
	}
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("empty thread", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Latest(ctx, "nobody", "")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "nobody", "", "x")
		assert.ErrorIs(t, err, ErrNotFound)
		list, err := s.List(ctx, "nobody", "", 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("put get latest list", func(t *testing.T) {
		s := newStore(t)
		for _, step := range []int{1, 3, 2} {
			require.NoError(t, s.Put(ctx, sampleCheckpoint("th", "", step)))
		}
		require.NoError(t, s.Put(ctx, sampleCheckpoint("th", "other", 9)))

		got, err := s.Get(ctx, "th", "", "cp-2")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Step)
		assert.Equal(t, "execute", got.NextNode)
		assert.Equal(t, "report", got.Record.Goal)
		require.Len(t, got.Record.Tasks, 1)
		assert.Equal(t, "fetch", got.Record.Tasks[0].Description)
		assert.Equal(t, "test", got.Metadata["source"])

		latest, err := s.Latest(ctx, "th", "")
		require.NoError(t, err)
		assert.Equal(t, "cp-3", latest.ID)

		list, err := s.List(ctx, "th", "", 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "cp-3", list[0].ID)
		assert.Equal(t, "cp-2", list[1].ID)

		all, err := s.List(ctx, "th", "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("put overwrites same id", func(t *testing.T) {
		s := newStore(t)
		cp := sampleCheckpoint("th", "", 1)
		require.NoError(t, s.Put(ctx, cp))
		cp.NextNode = "respond"
		require.NoError(t, s.Put(ctx, cp))

		all, err := s.List(ctx, "th", "", 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "respond", all[0].NextNode)
	})

	t.Run("delete thread", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, sampleCheckpoint("gone", "", 1)))
		require.NoError(t, s.Put(ctx, sampleCheckpoint("gone", "ns", 2)))
		require.NoError(t, s.Put(ctx, sampleCheckpoint("kept", "", 1)))

		require.NoError(t, s.DeleteThread(ctx, "gone"))
		_, err := s.Latest(ctx, "gone", "")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Latest(ctx, "gone", "ns")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Latest(ctx, "kept", "")
		assert.NoError(t, err)
	})

	t.Run("rejects invalid checkpoint", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.Put(ctx, &Checkpoint{ID: "x"}))
		assert.Error(t, s.Put(ctx, nil))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(context.Background(), sampleCheckpoint("a", "", 1)), ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cp := sampleCheckpoint("a", "", 1)
	require.NoError(t, s.Put(ctx, cp))

	cp.Record.Tasks[0].Description = "mutated"
	got, err := s.Latest(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Record.Tasks[0].Description)
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisStore(client, RedisStoreConfig{KeyPrefix: "test:"}, zap.NewNop())
	})
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, RedisStoreConfig{TTL: time.Minute}, nil)
	require.NoError(t, s.Put(context.Background(), sampleCheckpoint("th", "", 1)))

	assert.Equal(t, time.Minute, mr.TTL("layerflow:checkpoint:th::cp-1"))
	assert.Equal(t, time.Minute, mr.TTL("layerflow:thread:th:"))

	mr.FastForward(2 * time.Minute)
	_, err := s.Latest(context.Background(), "th", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_LatestSkipsMissingData(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	s := NewRedisStore(client, RedisStoreConfig{}, nil)
	for step := 1; step <= 20; step++ {
		require.NoError(t, s.Put(ctx, sampleCheckpoint("th", "", step)))
	}
	for step := 3; step <= 20; step++ {
		mr.Del(fmt.Sprintf("layerflow:checkpoint:th::cp-%d", step))
	}

	got, err := s.Latest(ctx, "th", "")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", got.ID)

	mr.Del("layerflow:checkpoint:th::cp-1")
	mr.Del("layerflow:checkpoint:th::cp-2")
	_, err = s.Latest(ctx, "th", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenRedisStore(context.Background(), "redis://"+addr, RedisStoreConfig{}, nil)
	assert.Error(t, err)
}

func TestSQLStore_SQLite(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		path := filepath.Join(t.TempDir(), "checkpoints.db")
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
		require.NoError(t, err)
		s, err := NewSQLStore(db, SQLStoreConfig{AutoMigrate: true}, zap.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestSQLStore_QueryFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	s, err := NewSQLStore(db, SQLStoreConfig{}, nil)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "layerflow_checkpoints"`)).
		WillReturnError(fmt.Errorf("connection refused"))

	_, err = s.Latest(context.Background(), "th", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())

	err = s.Put(context.Background(), sampleCheckpoint("th", "", 1))
	assert.Error(t, err, "unexpected statements fail the write")
}

func TestOpenSQLStore_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	s, err := OpenSQLStore(context.Background(), "sqlite", path, database.DefaultPoolConfig(), SQLStoreConfig{AutoMigrate: true}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), sampleCheckpoint("th", "", 1)))
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
