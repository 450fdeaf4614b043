// Package accounts is the external account record store. The health
// scanner reads accounts by status and writes back a single status value
// plus the last successful authorization time.
package accounts

import (
	"context"
	"errors"
	"time"
)

// Status is the account's authorization state.
type Status int

const (
	StatusInvalid Status = -1
	StatusNever   Status = 0
	StatusValid   Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusNever:
		return "never-authorized"
	case StatusValid:
		return "valid"
	}
	return "unknown"
}

// ErrNotFound is returned for unknown account IDs.
var ErrNotFound = errors.New("account not found")

// Account is one platform login owned by a user's project.
type Account struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	ProjectID    int64      `json:"project_id"`
	Platform     string     `json:"platform"`
	Name         string     `json:"account_name"`
	Username     string     `json:"username,omitempty"`
	Status       Status     `json:"status"`
	LastAuthTime *time.Time `json:"last_auth_time,omitempty"`
}

// Store reads and updates account records.
type Store interface {
	Create(ctx context.Context, a Account) (int64, error)
	Get(ctx context.Context, id int64) (*Account, error)
	ListByStatus(ctx context.Context, status Status) ([]Account, error)
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a unit of work over account updates.
type Tx interface {
	// UpdateStatus sets the status. A non-zero lastAuth also replaces the
	// last authorization time.
	UpdateStatus(ctx context.Context, id int64, status Status, lastAuth time.Time) error
	Commit() error
	Rollback() error
}
