// Package thread persists conversation threads and their turn messages.
//
// A thread belongs to one principal and is bound to one agent package.
// Threads of the same (principal, package) pair are numbered by Seq; creating
// a thread is idempotent per (principal, package, seq), so two turns racing on
// "no thread yet" converge on the same row instead of forking the
// conversation.
package thread

import (
	"context"
	"errors"
	"time"

	"github.com/hexenseai/hex-platform/pkg/types"
)

var (
	// ErrNotFound is returned when a thread does not exist.
	ErrNotFound = errors.New("thread: not found")

	// ErrNotEmpty is returned by Rebind when the thread already has messages.
	ErrNotEmpty = errors.New("thread: thread has messages")
)

// Thread is one conversation.
type Thread struct {
	ID        string
	Principal string
	PackageID string
	Seq       int
	Topic     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted turn message.
type Message struct {
	ID         string
	ThreadID   string
	Role       string
	Content    string
	Name       string
	ToolCalls  []types.ToolCall
	ToolCallID string
	Actions    []types.UIAction

	// PackageID is the package that was bound when the message was written.
	PackageID string
	CreatedAt time.Time
}

// LLM converts m into a provider message.
func (m Message) LLM() types.Message {
	return types.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// Repository stores threads and messages. Implementations must be safe for
// concurrent use.
type Repository interface {
	// Get returns the thread with id or ErrNotFound.
	Get(ctx context.Context, id string) (*Thread, error)

	// FindLatestThread returns the most recently updated thread of principal
	// bound to pkg, or ErrNotFound.
	FindLatestThread(ctx context.Context, principal, pkg string) (*Thread, error)

	// CreateThread returns the thread (principal, pkg, seq), creating it if it
	// does not exist yet. Repeated calls return the same thread.
	CreateThread(ctx context.Context, principal, pkg string, seq int) (*Thread, error)

	// CreateNextThread creates a thread numbered one past the highest seq of
	// (principal, pkg), whichever thread was updated last.
	CreateNextThread(ctx context.Context, principal, pkg string) (*Thread, error)

	// ListThreads returns the threads of principal, most recently updated
	// first.
	ListThreads(ctx context.Context, principal string) ([]Thread, error)

	// AppendMessage stores m under threadID and returns it with ID and
	// CreatedAt filled in.
	AppendMessage(ctx context.Context, threadID string, m Message) (Message, error)

	// RecentMessages returns up to limit of the newest messages of threadID in
	// chronological order.
	RecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error)

	// CountMessages returns the number of messages stored under threadID.
	CountMessages(ctx context.Context, threadID string) (int, error)

	// Touch bumps the thread's UpdatedAt.
	Touch(ctx context.Context, threadID string) error

	// Rebind moves an empty thread to pkg, renumbering it after the latest
	// thread of (principal, pkg). It returns ErrNotEmpty if the thread has
	// messages.
	Rebind(ctx context.Context, threadID, pkg string) (*Thread, error)

	// SetTopic records a short description of the conversation.
	SetTopic(ctx context.Context, threadID, topic string) error

	// DeleteThread removes the thread and its messages. Deleting a thread
	// that does not exist is not an error.
	DeleteThread(ctx context.Context, threadID string) error
}
