// Package notify tells downstream collaborators (the reminder composer, the
// front-desk dashboards) that a snapshot was imported.
//
// Publishing is best effort. The ledger is the source of truth and a sync
// never fails because an event could not be delivered.
package notify

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
)

// SyncCompleted is published after every successful sync.
type SyncCompleted struct {
	ExportDate    civil.Date `json:"exportDate"`
	Records       int        `json:"records"`
	PendingFirst  int        `json:"pendingFirst"`
	PendingRepeat int        `json:"pendingRepeat"`
	CompletedAt   time.Time  `json:"completedAt"`
}

// Publisher delivers SyncCompleted events.
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, ev SyncCompleted) error
	Close() error
}

// Discard drops every event. It is used when no broker is configured.
type Discard struct{}

func (Discard) PublishSyncCompleted(context.Context, SyncCompleted) error { return nil }

func (Discard) Close() error { return nil }
