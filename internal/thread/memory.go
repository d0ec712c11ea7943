package thread

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type threadKey struct {
	principal string
	pkg       string
	seq       int
}

// MemoryRepository is an in-process Repository. It is used by tests and by
// deployments without a database.
type MemoryRepository struct {
	mu       sync.Mutex
	threads  map[string]*Thread
	byKey    map[threadKey]string
	messages map[string][]Message

	// now is replaceable so tests can order updates deterministically.
	now func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		threads:  make(map[string]*Thread),
		byKey:    make(map[threadKey]string),
		messages: make(map[string][]Message),
		now:      time.Now,
	}
}

// tick returns a timestamp strictly after every one handed out before, so
// "most recently updated" is total even on coarse clocks.
func (r *MemoryRepository) tick() time.Time {
	t := r.now()
	for _, th := range r.threads {
		if !t.After(th.UpdatedAt) {
			t = th.UpdatedAt.Add(time.Microsecond)
		}
	}
	return t
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *th
	return &cp, nil
}

func (r *MemoryRepository) FindLatestThread(ctx context.Context, principal, pkg string) (*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Thread
	for _, th := range r.threads {
		if th.Principal != principal || th.PackageID != pkg {
			continue
		}
		if latest == nil || th.UpdatedAt.After(latest.UpdatedAt) ||
			(th.UpdatedAt.Equal(latest.UpdatedAt) && th.Seq > latest.Seq) {
			latest = th
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) CreateThread(ctx context.Context, principal, pkg string, seq int) (*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := threadKey{principal, pkg, seq}
	if id, ok := r.byKey[key]; ok {
		cp := *r.threads[id]
		return &cp, nil
	}
	now := r.tick()
	th := &Thread{
		ID:        uuid.NewString(),
		Principal: principal,
		PackageID: pkg,
		Seq:       seq,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.threads[th.ID] = th
	r.byKey[key] = th.ID
	cp := *th
	return &cp, nil
}

func (r *MemoryRepository) CreateNextThread(ctx context.Context, principal, pkg string) (*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.tick()
	th := &Thread{
		ID:        uuid.NewString(),
		Principal: principal,
		PackageID: pkg,
		Seq:       r.maxSeq(principal, pkg) + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.threads[th.ID] = th
	r.byKey[threadKey{principal, pkg, th.Seq}] = th.ID
	cp := *th
	return &cp, nil
}

func (r *MemoryRepository) maxSeq(principal, pkg string) int {
	seq := 0
	for _, th := range r.threads {
		if th.Principal == principal && th.PackageID == pkg {
			seq = max(seq, th.Seq)
		}
	}
	return seq
}

func (r *MemoryRepository) ListThreads(ctx context.Context, principal string) ([]Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Thread{}
	for _, th := range r.threads {
		if th.Principal == principal {
			out = append(out, *th)
		}
	}
	slices.SortFunc(out, func(a, b Thread) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) AppendMessage(ctx context.Context, threadID string, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[threadID]; !ok {
		return Message{}, ErrNotFound
	}
	m.ID = uuid.NewString()
	m.ThreadID = threadID
	m.CreatedAt = r.now()
	r.messages[threadID] = append(r.messages[threadID], m)
	return m, nil
}

func (r *MemoryRepository) RecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (r *MemoryRepository) CountMessages(ctx context.Context, threadID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[threadID]), nil
}

func (r *MemoryRepository) Touch(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	th.UpdatedAt = r.tick()
	return nil
}

func (r *MemoryRepository) Rebind(ctx context.Context, threadID, pkg string) (*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	if len(r.messages[threadID]) > 0 {
		return nil, ErrNotEmpty
	}
	if th.PackageID == pkg {
		cp := *th
		return &cp, nil
	}
	seq := r.maxSeq(th.Principal, pkg)
	delete(r.byKey, threadKey{th.Principal, th.PackageID, th.Seq})
	th.PackageID = pkg
	th.Seq = seq + 1
	th.UpdatedAt = r.tick()
	r.byKey[threadKey{th.Principal, pkg, th.Seq}] = th.ID
	cp := *th
	return &cp, nil
}

func (r *MemoryRepository) SetTopic(ctx context.Context, threadID, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	th.Topic = topic
	return nil
}

func (r *MemoryRepository) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return nil
	}
	delete(r.byKey, threadKey{th.Principal, th.PackageID, th.Seq})
	delete(r.threads, threadID)
	delete(r.messages, threadID)
	return nil
}
