package store

import (
	"context"
	"time"

	"github.com/joescharf/serialmon/internal/models"
)

// ListFilter narrows history queries. Zero values mean no restriction;
// Limit defaults to 50.
type ListFilter struct {
	Port  string
	Since time.Time
	Limit int
}

// Store defines the persistence interface for serialmon history.
// The live ring buffer is never persisted.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.SessionSummary) error
	GetSession(ctx context.Context, id string) (*models.SessionSummary, error)
	ListSessions(ctx context.Context, filter ListFilter) ([]*models.SessionSummary, error)

	// Reboot events
	CreateRebootEvent(ctx context.Context, e *models.RebootEvent) error
	ListRebootEvents(ctx context.Context, filter ListFilter) ([]*models.RebootEvent, error)

	// Install logs
	CreateInstallLog(ctx context.Context, l *models.InstallLog) error
	ListInstallLogs(ctx context.Context, filter ListFilter) ([]*models.InstallLog, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
