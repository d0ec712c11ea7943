// Package memory keeps a compact long-term memory per principal.
//
// Every few user messages the recent window of a thread is summarised and the
// summary is stored as a [Record] in the vector index. On each new turn the
// records closest to the user's message are recalled and rendered into a
// block the orchestrator appends to that turn's system prompt. Nothing here
// ever fails a turn: summarisation runs in the background and every error
// degrades to "no memory".
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/thread"
	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
	"github.com/hexenseai/hex-platform/pkg/types"
	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

// Defaults.
const (
	DefaultCollection     = "conversation_memory"
	DefaultTriggerCount   = 8
	DefaultWindow         = 20
	DefaultRecallLimit    = 3
	DefaultTruncateChars  = 500
	DefaultSummaryTimeout = 30 * time.Second
	DefaultRecallTimeout  = 5 * time.Second
	DefaultTrackedThreads = 10000
)

// Payload keys of a memory point.
const (
	PayloadConversationID = "conversation_id"
	PayloadPrincipalID    = "principal_id"
	PayloadSummary        = "summary"
	PayloadTimestamp      = "timestamp"
)

// Summary modes, used as the "mode" metric attribute.
const (
	ModeLLM       = "llm"
	ModeTruncated = "truncated"
)

// recordSpace namespaces the deterministic record ids.
var recordSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:hex-platform:conversation-memory"))

// Record is one stored conversation summary.
type Record struct {
	ID             string
	ConversationID string
	PrincipalID    string
	Summary        string
	Timestamp      time.Time

	// Score is the similarity to the recall query; zero on write.
	Score float32
}

// RecordID returns the id of the record of conversationID written at ts.
// The id is a UUID so every index backend accepts it.
func RecordID(conversationID string, ts time.Time) string {
	key := conversationID + "|" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(recordSpace, []byte(key)).String()
}

// Config tunes a [Manager]. Zero fields take the defaults.
type Config struct {
	Collection     string
	TriggerCount   int
	Window         int
	RecallLimit    int
	TruncateChars  int
	SummaryTimeout time.Duration

	// RecallTimeout bounds the embedding and search of one recall. A recall
	// that runs out of time returns no records.
	RecallTimeout time.Duration

	// TrackedThreads bounds how many threads' summary marks are kept. A
	// thread idle long enough to lose its mark counts from zero again.
	TrackedThreads int
}

func (c *Config) applyDefaults() {
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.TriggerCount <= 0 {
		c.TriggerCount = DefaultTriggerCount
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = DefaultRecallLimit
	}
	if c.TruncateChars <= 0 {
		c.TruncateChars = DefaultTruncateChars
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = DefaultSummaryTimeout
	}
	if c.RecallTimeout <= 0 {
		c.RecallTimeout = DefaultRecallTimeout
	}
	if c.TrackedThreads <= 0 {
		c.TrackedThreads = DefaultTrackedThreads
	}
}

// marks holds the message count of each thread at its last summary. It keeps
// two generations of at most limit/2 entries each; a full current generation
// replaces the previous one, dropping the threads not observed since.
type marks struct {
	cur, prev map[string]int
	limit     int
}

func newMarks(limit int) *marks {
	return &marks{cur: make(map[string]int), limit: max(limit/2, 1)}
}

func (k *marks) get(id string) int {
	if n, ok := k.cur[id]; ok {
		return n
	}
	return k.prev[id]
}

func (k *marks) set(id string, n int) {
	if _, ok := k.cur[id]; !ok && len(k.cur) >= k.limit {
		k.prev, k.cur = k.cur, make(map[string]int, k.limit)
	}
	k.cur[id] = n
	delete(k.prev, id)
}

func (k *marks) delete(id string) {
	delete(k.cur, id)
	delete(k.prev, id)
}

func (k *marks) len() int { return len(k.cur) + len(k.prev) }

// Manager writes and recalls memory records. It is safe for concurrent use.
type Manager struct {
	threads    thread.Repository
	embedder   embeddings.Provider
	index      vectorindex.Index
	summariser Summariser
	cfg        Config
	metrics    *observe.Metrics
	now        func() time.Time

	mu     sync.Mutex
	marks  *marks
	closed bool
	wg     sync.WaitGroup
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics records summaries on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(mg *Manager) { mg.now = now }
}

// NewManager returns a Manager. summariser may be nil, in which case every
// summary is the truncated transcript.
func NewManager(threads thread.Repository, embedder embeddings.Provider, index vectorindex.Index, summariser Summariser, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		threads:    threads,
		embedder:   embedder,
		index:      index,
		summariser: summariser,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.marks = newMarks(m.cfg.TrackedThreads)
	return m
}

// Observe is called after a user message was appended to th. When at least
// TriggerCount messages have accumulated since the thread's last summary, the
// latest Window messages are summarised in the background. Observe never
// blocks on the summary and reports whether one was started.
func (m *Manager) Observe(ctx context.Context, th *thread.Thread) bool {
	count, err := m.threads.CountMessages(ctx, th.ID)
	if err != nil {
		observe.Logger(ctx).Warn("memory: count messages failed", "thread_id", th.ID, "err", err)
		return false
	}
	if count < m.cfg.TriggerCount {
		return false
	}

	m.mu.Lock()
	if m.closed || count-m.marks.get(th.ID) < m.cfg.TriggerCount {
		m.mu.Unlock()
		return false
	}
	m.marks.set(th.ID, count)
	m.wg.Add(1)
	m.mu.Unlock()

	// The summary outlives the turn that triggered it.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SummaryTimeout)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if _, err := m.Summarise(bg, th); err != nil {
			observe.Logger(bg).Warn("memory: summary failed", "thread_id", th.ID, "err", err)
		}
	}()
	return true
}

// Summarise writes a record for the latest Window messages of th and returns
// it. The LLM summariser is tried first; if it fails or returns nothing the
// transcript is truncated to TruncateChars instead.
func (m *Manager) Summarise(ctx context.Context, th *thread.Thread) (Record, error) {
	ctx, span := observe.StartSpan(ctx, "memory.summarise")
	defer span.End()

	stored, err := m.threads.RecentMessages(ctx, th.ID, m.cfg.Window)
	if err != nil {
		return Record{}, fmt.Errorf("memory: load window: %w", err)
	}
	msgs := make([]types.Message, len(stored))
	for i, s := range stored {
		msgs[i] = s.LLM()
	}

	summary, mode := "", ModeLLM
	if m.summariser != nil {
		summary, err = m.summariser.Summarise(ctx, msgs)
		if err != nil {
			observe.Logger(ctx).Warn("memory: summariser unavailable, truncating", "thread_id", th.ID, "err", err)
		}
	}
	if strings.TrimSpace(summary) == "" {
		summary, mode = Truncate(Transcript(msgs), m.cfg.TruncateChars), ModeTruncated
	}
	if summary == "" {
		return Record{}, fmt.Errorf("memory: thread %s has no text to summarise", th.ID)
	}

	vec, err := m.embedder.Embed(ctx, summary)
	if err != nil {
		return Record{}, fmt.Errorf("memory: embed summary: %w", err)
	}
	if err := m.index.EnsureCollection(ctx, m.cfg.Collection, len(vec)); err != nil {
		return Record{}, fmt.Errorf("memory: ensure collection: %w", err)
	}

	rec := Record{
		ConversationID: th.ID,
		PrincipalID:    th.Principal,
		Summary:        summary,
		Timestamp:      m.now().UTC(),
	}
	rec.ID = RecordID(rec.ConversationID, rec.Timestamp)
	err = m.index.Upsert(ctx, m.cfg.Collection, vectorindex.Point{
		ID:     rec.ID,
		Vector: vec,
		Payload: map[string]any{
			PayloadConversationID: rec.ConversationID,
			PayloadPrincipalID:    rec.PrincipalID,
			PayloadSummary:        rec.Summary,
			PayloadTimestamp:      rec.Timestamp.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return Record{}, fmt.Errorf("memory: store record: %w", err)
	}
	if err := m.threads.SetTopic(ctx, th.ID, Topic(summary)); err != nil {
		observe.Logger(ctx).Warn("memory: update thread topic", "thread_id", th.ID, "err", err)
	}
	m.metrics.RecordSummary(ctx, mode)
	observe.Logger(ctx).Debug("memory: summary stored", "thread_id", th.ID, "mode", mode, "record_id", rec.ID)
	return rec, nil
}

// Recall returns up to RecallLimit records of principal most similar to text,
// best first. Any failure yields nil.
func (m *Manager) Recall(ctx context.Context, principal, text string) []Record {
	if strings.TrimSpace(text) == "" || principal == "" {
		return nil
	}
	ctx, span := observe.StartSpan(ctx, "memory.recall")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RecallTimeout)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		observe.Logger(ctx).Warn("memory: recall embed failed", "err", err)
		return nil
	}
	hits, err := m.index.Search(ctx, m.cfg.Collection, vec,
		vectorindex.Filter{PayloadPrincipalID: principal}, m.cfg.RecallLimit)
	if err != nil {
		observe.Logger(ctx).Warn("memory: recall search failed", "err", err)
		return nil
	}

	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		rec := Record{ID: h.ID, Score: h.Score, PrincipalID: principal}
		rec.ConversationID, _ = h.Payload[PayloadConversationID].(string)
		rec.Summary, _ = h.Payload[PayloadSummary].(string)
		if ts, ok := h.Payload[PayloadTimestamp].(string); ok {
			rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		}
		if rec.Summary == "" {
			continue
		}
		out = append(out, rec)
	}
	if len(out) > m.cfg.RecallLimit {
		out = out[:m.cfg.RecallLimit]
	}
	return out
}

// Forget deletes every record of conversationID.
func (m *Manager) Forget(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	m.marks.delete(conversationID)
	m.mu.Unlock()
	if err := m.index.DeleteWhere(ctx, m.cfg.Collection, vectorindex.Filter{PayloadConversationID: conversationID}); err != nil {
		return fmt.Errorf("memory: forget %s: %w", conversationID, err)
	}
	return nil
}

// Tracked returns the number of threads whose summary mark is kept.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks.len()
}

// Wait blocks until in-flight summaries finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Close stops accepting new summaries and waits for in-flight ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// Block renders records as the memory section of a system prompt, in the
// given order. It returns "" for no records.
func Block(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant notes from earlier conversations with this user:\n")
	for _, r := range records {
		if r.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "- %s\n", r.Summary)
			continue
		}
		fmt.Fprintf(&sb, "- (%s) %s\n", r.Timestamp.Format("2006-01-02"), r.Summary)
	}
	return strings.TrimRight(sb.String(), "\n")
}
