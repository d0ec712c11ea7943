// Package rest serves a principal's conversation history over plain HTTP:
//
//	GET    /threads                 list the caller's threads
//	GET    /threads/{id}/messages   recent messages of one thread
//	DELETE /threads/{id}            delete a thread and its memory records
//
// The caller is identified by the same X-Principal-ID header as the
// WebSocket endpoint. Threads of other principals are reported as not found.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/thread"
	"github.com/hexenseai/hex-platform/internal/transport/ws"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// Message limits for GET /threads/{id}/messages.
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 500
)

// Forgetter drops the memory records of a deleted conversation.
// *memory.Manager implements it.
type Forgetter interface {
	Forget(ctx context.Context, conversationID string) error
}

// Threads serves the thread endpoints.
type Threads struct {
	repo   thread.Repository
	memory Forgetter
}

// NewThreads returns the handler set. memory may be nil.
func NewThreads(repo thread.Repository, memory Forgetter) *Threads {
	return &Threads{repo: repo, memory: memory}
}

// Register mounts the endpoints on mux.
func (h *Threads) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /threads", h.list)
	mux.HandleFunc("GET /threads/{id}/messages", h.messages)
	mux.HandleFunc("DELETE /threads/{id}", h.delete)
}

type threadJSON struct {
	ID        string    `json:"id"`
	PackageID string    `json:"package_id"`
	Seq       int       `json:"seq"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageJSON struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	Actions   []types.UIAction `json:"actions,omitempty"`
	PackageID string           `json:"package_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func (h *Threads) list(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	ths, err := h.repo.ListThreads(r.Context(), principal)
	if err != nil {
		fail(w, r, "list threads", err)
		return
	}
	out := make([]threadJSON, len(ths))
	for i, th := range ths {
		out[i] = threadJSON{
			ID:        th.ID,
			PackageID: th.PackageID,
			Seq:       th.Seq,
			Topic:     th.Topic,
			CreatedAt: th.CreatedAt,
			UpdatedAt: th.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// messages returns the user and assistant messages of a thread in
// chronological order. Tool traffic and tool-call-only assistant messages are
// internal to a turn and left out.
func (h *Threads) messages(w http.ResponseWriter, r *http.Request) {
	th, ok := h.owned(w, r)
	if !ok {
		return
	}
	limit := DefaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, MaxMessageLimit)
	}

	msgs, err := h.repo.RecentMessages(r.Context(), th.ID, limit)
	if err != nil {
		fail(w, r, "load messages", err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleTool || (m.Content == "" && len(m.Actions) == 0) {
			continue
		}
		out = append(out, messageJSON{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Actions:   m.Actions,
			PackageID: m.PackageID,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// delete removes the thread first; forgetting its memory records is best
// effort.
func (h *Threads) delete(w http.ResponseWriter, r *http.Request) {
	th, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteThread(r.Context(), th.ID); err != nil {
		fail(w, r, "delete thread", err)
		return
	}
	if h.memory != nil {
		if err := h.memory.Forget(r.Context(), th.ID); err != nil {
			observe.Logger(r.Context()).Warn("rest: forget memory of deleted thread", "thread_id", th.ID, "err", err)
		}
	}
	observe.Logger(r.Context()).Info("rest: thread deleted", "thread_id", th.ID, "principal", th.Principal)
	w.WriteHeader(http.StatusNoContent)
}

// owned loads the thread named in the path and checks that it belongs to the
// caller.
func (h *Threads) owned(w http.ResponseWriter, r *http.Request) (*thread.Thread, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return nil, false
	}
	th, err := h.repo.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, thread.ErrNotFound), err == nil && th.Principal != principal:
		http.Error(w, "thread not found", http.StatusNotFound)
		return nil, false
	case err != nil:
		fail(w, r, "load thread", err)
		return nil, false
	}
	return th, true
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal := strings.TrimSpace(r.Header.Get(ws.PrincipalHeader))
	if principal == "" {
		http.Error(w, "missing "+ws.PrincipalHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return principal, true
}

func fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	observe.Logger(r.Context()).Error("rest: "+op, "err", err)
	http.Error(w, op+" failed", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
