package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/layerflow/internal/database"
)

// sessionRow maps the layerflow_sessions table.
type sessionRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	UserID    string    `gorm:"column:user_id;size:191;not null;default:'';index:idx_layerflow_sessions_user_id"`
	Title     string    `gorm:"column:title;size:255"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (sessionRow) TableName() string { return "layerflow_sessions" }

func rowOf(s *Session) sessionRow {
	return sessionRow{
		ID:        s.ID,
		UserID:    s.UserID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (r sessionRow) session() *Session {
	return &Session{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// createRetries bounds retries of Create on deadlocks and busy databases.
const createRetries = 3

// SQLStore keeps sessions in a relational table through gorm.
type SQLStore struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewSQLStore wraps an open gorm handle. autoMigrate creates the table
// when missing.
func NewSQLStore(db *gorm.DB, autoMigrate bool, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if autoMigrate {
		if err := db.AutoMigrate(&sessionRow{}); err != nil {
			return nil, fmt.Errorf("migrate session table: %w", err)
		}
	}
	return &SQLStore{db: db, logger: logger.With(zap.String("store", "sql_session"))}, nil
}

// OpenStore opens the session store for a target. memory:// keeps
// sessions in process; postgres, mysql and sqlite targets use SQLStore.
// sqlite tables are always auto-migrated.
func OpenStore(ctx context.Context, target string, pool database.PoolConfig, autoMigrate bool, logger *zap.Logger) (Store, error) {
	if strings.HasPrefix(target, "memory://") {
		return NewMemoryStore(), nil
	}
	driver, dsn, err := database.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	pm, err := database.Open(ctx, driver, dsn, pool, logger)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(pm.DB(), autoMigrate || driver == "sqlite", logger)
	if err != nil {
		_ = pm.Close()
		return nil, err
	}
	s.pool = pm
	return s, nil
}

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	row := rowOf(sess)
	create := func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", sess.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("look up session %s: %w", sess.ID, err)
		}
		if n > 0 {
			return ErrSessionExists
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create session %s: %w", sess.ID, err)
		}
		return nil
	}
	if s.pool != nil {
		return s.pool.WithTransactionRetry(ctx, createRetries, create)
	}
	return s.db.WithContext(ctx).Transaction(create)
}

func (s *SQLStore) Save(ctx context.Context, sess *Session) error {
	row := rowOf(sess)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "title", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return row.session(), nil
}

func (s *SQLStore) List(ctx context.Context, userID string) ([]*Session, error) {
	var rows []sessionRow
	q := s.db.WithContext(ctx).Order("updated_at DESC").Order("id ASC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*Session, len(rows))
	for i, r := range rows {
		out[i] = r.session()
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionRow{})
	if res.Error != nil {
		return fmt.Errorf("delete session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
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
