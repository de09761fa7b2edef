package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// QuerySession: tabs of queries against one connection
// ─────────────────────────────────────────────────────────────

type tabEntry struct {
	mu  sync.Mutex
	tab domain.QueryTab
	run uint64
}

// QuerySession owns the tabs of one connection. A session always has at
// least one tab. Each tab runs at most one query at a time; different tabs
// run independently.
//
// Lock order: emitMu → mu → tabEntry.mu. schemaMu is held across the schema
// fetch and is never combined with the other locks.
type QuerySession struct {
	id       string
	conn     domain.ConnectionInfo
	executor QueryExecutor
	emitter  EventEmitter
	now      func() time.Time

	emitMu sync.Mutex

	mu      sync.RWMutex
	tabs    map[string]*tabEntry
	order   []string
	active  string
	counter int
	closed  bool

	guard runningJobsGuard

	schemaMu sync.Mutex
	schema   *domain.SchemaInfo

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQuerySession creates a session with one empty tab.
func NewQuerySession(conn domain.ConnectionInfo, executor QueryExecutor, emitter EventEmitter) *QuerySession {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &QuerySession{
		id:       uuid.New().String(),
		conn:     conn,
		executor: executor,
		emitter:  emitter,
		now:      time.Now,
		tabs:     make(map[string]*tabEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.addTabLocked()
	return s
}

// ID returns the session id.
func (s *QuerySession) ID() string { return s.id }

// Connection returns the connection the session was opened with.
func (s *QuerySession) Connection() domain.ConnectionInfo { return s.conn }

// ── Tabs ───────────────────────────────────────────────────

// OpenTab appends an empty tab and makes it active.
func (s *QuerySession) OpenTab(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", s.closedErr()
	}
	id := s.addTabLocked()
	s.mu.Unlock()

	s.publish(ctx)
	return id, nil
}

// addTabLocked numbers tabs from a counter that never goes back, so ids
// are not reused after a close.
func (s *QuerySession) addTabLocked() string {
	s.counter++
	id := fmt.Sprintf("query-%d", s.counter)
	s.tabs[id] = &tabEntry{tab: domain.QueryTab{
		ID:    id,
		Title: fmt.Sprintf("Query %d", s.counter),
		State: domain.ExecIdle,
	}}
	s.order = append(s.order, id)
	s.active = id
	return id
}

// CloseTab removes a tab. The last tab cannot be closed. When the active
// tab is closed the one before it becomes active, or the first one.
func (s *QuerySession) CloseTab(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedErr()
	}
	if _, ok := s.tabs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTabNotFound, id)
	}
	if len(s.order) == 1 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is the only tab", domain.ErrLastTabProtected, id)
	}
	idx := indexOf(s.order, id)
	s.order = append(s.order[:idx], s.order[idx+1:]...)
	delete(s.tabs, id)
	if s.active == id {
		if idx > 0 {
			s.active = s.order[idx-1]
		} else {
			s.active = s.order[0]
		}
	}
	s.mu.Unlock()

	s.publish(ctx)
	return nil
}

// SetActiveTab selects a tab.
func (s *QuerySession) SetActiveTab(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedErr()
	}
	if _, ok := s.tabs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTabNotFound, id)
	}
	s.active = id
	s.mu.Unlock()

	s.publish(ctx)
	return nil
}

// EditQuery replaces the text of a tab. Editing a tab that is executing
// does not affect the query in flight.
func (s *QuerySession) EditQuery(ctx context.Context, id, text string) error {
	t, err := s.tab(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.tab.QueryText = text
	t.mu.Unlock()

	s.publish(ctx)
	return nil
}

// ── Execution ──────────────────────────────────────────────

// Execute runs the tab's query asynchronously. The tab is executing when
// Execute returns and settles in succeeded or failed later.
func (s *QuerySession) Execute(ctx context.Context, id string) error {
	return s.execute(ctx, id, nil)
}

// ExecuteText runs query on the tab instead of the tab's current text. The
// tab's QueryText is left as it is; ExecutedQuery records what ran.
func (s *QuerySession) ExecuteText(ctx context.Context, id, query string) error {
	return s.execute(ctx, id, &query)
}

func (s *QuerySession) execute(ctx context.Context, id string, text *string) error {
	t, err := s.tab(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	query := t.tab.QueryText
	if text != nil {
		query = *text
	}
	if strings.TrimSpace(query) == "" {
		t.mu.Unlock()
		return fmt.Errorf("%w: tab %s", domain.ErrEmptyQuery, id)
	}
	if !s.guard.TryLock(id) {
		t.mu.Unlock()
		return fmt.Errorf("%w: tab %s", domain.ErrAlreadyExecuting, id)
	}
	t.run++
	run := t.run
	t.tab.State = domain.ExecExecuting
	t.tab.Result = nil
	t.tab.Error = ""
	t.tab.ExecutedQuery = query
	t.tab.Duration = 0
	t.mu.Unlock()

	s.publish(ctx)

	go func() {
		defer s.guard.Unlock(id)
		start := s.now()
		res, err := s.executor.Run(s.ctx, s.conn, query)
		s.finish(t, run, res, err, s.now().Sub(start))
	}()
	return nil
}

func (s *QuerySession) finish(t *tabEntry, run uint64, res *domain.ResultSet, err error, took time.Duration) {
	s.mu.RLock()
	_, alive := s.tabs[t.tab.ID]
	closed := s.closed
	s.mu.RUnlock()
	if closed || !alive {
		log.Debug().Str("session", s.id).Str("tab", t.tab.ID).Msg("dropping late query result")
		return
	}

	t.mu.Lock()
	if t.run != run {
		t.mu.Unlock()
		return
	}
	t.tab.Duration = took
	if err != nil {
		t.tab.State = domain.ExecFailed
		t.tab.Result = nil
		t.tab.Error = fmt.Errorf("%w: %v", domain.ErrQueryFailed, err).Error()
	} else {
		if res == nil {
			res = &domain.ResultSet{}
		}
		t.tab.State = domain.ExecSucceeded
		t.tab.Result = res
		t.tab.Error = ""
	}
	tabID := t.tab.ID
	state := t.tab.State
	t.mu.Unlock()

	log.Debug().Str("session", s.id).Str("tab", tabID).Str("state", string(state)).
		Dur("took", took).Msg("query settled")
	s.publish(s.ctx)
}

// Wait blocks until every in-flight execution settles or ctx ends.
func (s *QuerySession) Wait(ctx context.Context) {
	s.guard.WaitAll(ctx)
}

// WaitTab blocks until the execution in flight on tab id, if any, settles
// or ctx ends. Executions on other tabs are not waited for.
func (s *QuerySession) WaitTab(ctx context.Context, id string) {
	s.guard.Wait(ctx, id)
}

// ── Schema ─────────────────────────────────────────────────

// Schema returns the connection's database/table/column tree. It is
// fetched on first use and cached for the session; failures are not cached.
func (s *QuerySession) Schema(ctx context.Context) (*domain.SchemaInfo, error) {
	fetcher, ok := s.executor.(SchemaFetcher)
	if !ok {
		return nil, fmt.Errorf("schema browsing is not supported for %s", s.conn.Engine)
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schema != nil {
		return s.schema, nil
	}
	schema, err := fetcher.Introspect(ctx, s.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQueryFailed, err)
	}
	s.schema = schema
	return schema, nil
}

// ── Queries ────────────────────────────────────────────────

// Tabs returns copies of the tabs in insertion order.
func (s *QuerySession) Tabs() []domain.QueryTab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.QueryTab, 0, len(s.order))
	for _, id := range s.order {
		t := s.tabs[id]
		t.mu.Lock()
		out = append(out, t.tab)
		t.mu.Unlock()
	}
	return out
}

// Tab returns a copy of one tab.
func (s *QuerySession) Tab(id string) (domain.QueryTab, error) {
	t, err := s.tab(id)
	if err != nil {
		return domain.QueryTab{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tab, nil
}

// ActiveTabID returns the selected tab.
func (s *QuerySession) ActiveTabID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Snapshot returns the observable state with the credential masked.
func (s *QuerySession) Snapshot() domain.SessionSnapshot {
	tabs := s.Tabs()
	return domain.SessionSnapshot{
		ID:          s.id,
		Connection:  s.conn.Redacted(),
		Tabs:        tabs,
		ActiveTabID: s.ActiveTabID(),
	}
}

// Close cancels in-flight executions. Results that arrive afterwards are
// dropped and further intents fail with ErrSessionNotFound.
func (s *QuerySession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	s.emitMu.Lock()
	s.emitter.Emit(ctx, EventSessionClosed, s.id)
	s.emitMu.Unlock()
}

// ── Internals ──────────────────────────────────────────────

func (s *QuerySession) tab(id string) (*tabEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, s.closedErr()
	}
	t, ok := s.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTabNotFound, id)
	}
	return t, nil
}

func (s *QuerySession) closedErr() error {
	return fmt.Errorf("%w: %s is closed", domain.ErrSessionNotFound, s.id)
}

func (s *QuerySession) publish(ctx context.Context) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	s.emitter.Emit(ctx, EventSessionChanged, s.Snapshot())
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
