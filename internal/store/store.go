// ABOUTME: Store interface and data types for dispatcher persistence.
// ABOUTME: Defines Message and Alert records plus the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Sender constants for transcript messages
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Message is one side of a chat exchange, recorded for session history.
type Message struct {
	ID        string
	SessionID string
	Sender    string
	Content   string
	CreatedAt time.Time
}

// Alert is a monitoring finding recorded at fan-out time.
type Alert struct {
	ID          string
	CheckName   string
	Severity    string
	Message     string
	Fingerprint string
	CreatedAt   time.Time
}

// Store is the persistence interface for transcripts and alert history
type Store interface {
	// SaveMessage appends a transcript message.
	SaveMessage(ctx context.Context, msg Message) error

	// SessionHistory returns up to limit messages for a session, oldest first.
	SessionHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// SaveAlert records an alert that was fanned out.
	SaveAlert(ctx context.Context, alert Alert) error

	// RecentAlerts returns up to limit alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)

	// Close closes the store
	Close() error
}
