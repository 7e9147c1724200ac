package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/layerflow/internal/database"
)

// checkpointRow maps the layerflow_checkpoints table.
type checkpointRow struct {
	ThreadID     string    `gorm:"column:thread_id;primaryKey;size:191"`
	Namespace    string    `gorm:"column:namespace;primaryKey;size:191"`
	CheckpointID string    `gorm:"column:checkpoint_id;primaryKey;size:64"`
	ParentID     string    `gorm:"column:parent_id;size:64"`
	Step         int       `gorm:"column:step;not null;index:idx_layerflow_checkpoints_step"`
	Node         string    `gorm:"column:node;size:32"`
	NextNode     string    `gorm:"column:next_node;size:32"`
	Record       string    `gorm:"column:record;type:text;not null"`
	Metadata     string    `gorm:"column:metadata;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (checkpointRow) TableName() string { return "layerflow_checkpoints" }

func rowFrom(f flat) checkpointRow {
	return checkpointRow{
		ThreadID:     f.ThreadID,
		Namespace:    f.Namespace,
		CheckpointID: f.ID,
		ParentID:     f.ParentID,
		Step:         f.Step,
		Node:         f.Node,
		NextNode:     f.NextNode,
		Record:       f.Record,
		Metadata:     f.Metadata,
		CreatedAt:    f.CreatedAt,
	}
}

func (r checkpointRow) flat() flat {
	return flat{
		ThreadID:  r.ThreadID,
		Namespace: r.Namespace,
		ID:        r.CheckpointID,
		ParentID:  r.ParentID,
		Step:      r.Step,
		Node:      r.Node,
		NextNode:  r.NextNode,
		Record:    r.Record,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
	}
}

// SQLStore keeps checkpoints in a relational table through gorm. It works
// with postgres, mysql and sqlite.
type SQLStore struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
}

// SQLStoreConfig configures a SQLStore.
type SQLStoreConfig struct {
	// AutoMigrate creates the table when missing. Postgres and mysql
	// deployments normally run the embedded migrations instead.
	AutoMigrate bool
}

// NewSQLStore wraps an open gorm handle.
func NewSQLStore(db *gorm.DB, cfg SQLStoreConfig, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&checkpointRow{}); err != nil {
			return nil, fmt.Errorf("migrate checkpoint table: %w", err)
		}
	}
	return &SQLStore{db: db, logger: logger.With(zap.String("store", "sql_checkpoint"))}, nil
}

// OpenSQLStore opens a pooled connection and wraps it. The store owns the
// pool and closes it on Close.
func OpenSQLStore(ctx context.Context, driver, dsn string, pool database.PoolConfig, cfg SQLStoreConfig, logger *zap.Logger) (*SQLStore, error) {
	pm, err := database.Open(ctx, driver, dsn, pool, logger)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(pm.DB(), cfg, logger)
	if err != nil {
		_ = pm.Close()
		return nil, err
	}
	s.pool = pm
	return s, nil
}

func (s *SQLStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	f, err := flatten(cp)
	if err != nil {
		return err
	}
	row := rowFrom(f)
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}, {Name: "namespace"}, {Name: "checkpoint_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, threadID, namespace, id string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND namespace = ? AND checkpoint_id = ?", threadID, namespace, id).
		Take(&row).Error
	if err != nil {
		return nil, s.notFound(err, "load checkpoint")
	}
	return row.flat().checkpoint()
}

func (s *SQLStore) Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND namespace = ?", threadID, namespace).
		Order("step DESC").Order("created_at DESC").
		Take(&row).Error
	if err != nil {
		return nil, s.notFound(err, "load latest checkpoint")
	}
	return row.flat().checkpoint()
}

func (s *SQLStore) List(ctx context.Context, threadID, namespace string, limit int) ([]*Checkpoint, error) {
	q := s.db.WithContext(ctx).
		Where("thread_id = ? AND namespace = ?", threadID, namespace).
		Order("step DESC").Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []checkpointRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(rows))
	for _, r := range rows {
		cp, err := r.flat().checkpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) error {
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&checkpointRow{}).Error
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool when the store opened it.
func (s *SQLStore) Close() error {
	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}

func (s *SQLStore) notFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
