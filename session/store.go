package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrStoreClosed     = errors.New("session store is closed")
)

// Session is the metadata row of a conversation thread. ID is the thread
// id the checkpoints are stored under.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps session metadata. The record itself lives in the checkpoint
// store.
type Store interface {
	// Create fails with ErrSessionExists for a known id.
	Create(ctx context.Context, s *Session) error
	// Save inserts or replaces a session.
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// List returns sessions of one user, or of everyone for an empty
	// userID, most recently updated first.
	List(ctx context.Context, userID string) ([]*Session, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
