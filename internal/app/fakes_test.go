package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/notify"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/store"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/authclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/backendclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/rabbitmq"
)

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeAuth struct {
	mu          sync.Mutex
	result      *authclient.LoginResult
	loginErr    error
	registerErr error
	registered  []authclient.Credentials
	revoked     []string
	ops         *opLog
}

func (f *fakeAuth) Login(_ context.Context, creds authclient.Credentials) (*authclient.LoginResult, error) {
	f.ops.add("login")
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.result, nil
}

func (f *fakeAuth) Register(_ context.Context, creds authclient.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, creds)
	return f.registerErr
}

func (f *fakeAuth) Logout(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return nil
}

// fakeBackend keeps a server-side dataset and applies resets and call results
// to it the way the backend does.
type fakeBackend struct {
	mu          sync.Mutex
	server      *domain.CachedDataset
	fetchErr    error
	fetchGate   chan struct{}
	fetches     int
	resets      int
	triggerErr  error
	results     []domain.CallResult
	requests    []domain.BulkCallRequest
	onTrigger   func()
	uploadNames []string
	ops         *opLog
}

func (f *fakeBackend) FetchDataset(ctx context.Context) (*domain.CachedDataset, error) {
	if f.fetchGate != nil {
		select {
		case <-f.fetchGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.ops.add("fetch")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.server.Clone()
}

func (f *fakeBackend) UploadDataset(_ context.Context, filename string, content io.Reader) (*domain.CachedDataset, error) {
	_, _ = io.ReadAll(content)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadNames = append(f.uploadNames, filename)
	return f.server.Clone()
}

func (f *fakeBackend) TriggerCalls(_ context.Context, req domain.BulkCallRequest) (*domain.BulkCallResponse, error) {
	if f.onTrigger != nil {
		f.onTrigger()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	resp := &domain.BulkCallResponse{TotalRequests: len(req.Borrowers), Results: f.results, Mode: "dummy"}
	for _, result := range f.results {
		if result.Success {
			resp.SuccessfulCalls++
		} else {
			resp.FailedCalls++
		}
	}
	return resp, nil
}

func (f *fakeBackend) ResetCalls(context.Context) (*backendclient.ResetResult, error) {
	f.ops.add("reset")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	for key, records := range f.server.DetailedBreakdown.ByDueDateCategory {
		for i := range records {
			records[i] = domain.BorrowerRecord{NO: records[i].NO, Cell1: records[i].Cell1, Extra: records[i].Extra}
		}
		f.server.DetailedBreakdown.ByDueDateCategory[key] = records
	}
	return &backendclient.ResetResult{Status: "success"}, nil
}

// recordingCache logs cache operations around a real SQLite cache.
type recordingCache struct {
	store.DatasetCache
	ops *opLog
}

func (c *recordingCache) Put(ctx context.Context, d *domain.CachedDataset) (int64, error) {
	c.ops.add("put")
	return c.DatasetCache.Put(ctx, d)
}

func (c *recordingCache) Clear(ctx context.Context) error {
	c.ops.add("purge")
	return c.DatasetCache.Clear(ctx)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (n *recordingNotifier) Notify(_ context.Context, notice notify.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Message)
	}
	return out
}

type recordingEscalator struct {
	mu          sync.Mutex
	escalations []notify.Escalation
}

func (e *recordingEscalator) Escalate(_ context.Context, escalation notify.Escalation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalations = append(e.escalations, escalation)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []rabbitmq.DatasetEvent
}

func (p *recordingPublisher) PublishDatasetEvent(_ context.Context, event rabbitmq.DatasetEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() {}

type harness struct {
	sync      *Synchronizer
	auth      *fakeAuth
	backend   *fakeBackend
	sessions  *store.MemorySessionStore
	cache     *recordingCache
	notifier  *recordingNotifier
	escalator *recordingEscalator
	publisher *recordingPublisher
	ops       *opLog
}

func newHarness(t *testing.T, server *domain.CachedDataset) *harness {
	t.Helper()

	sqlite, err := store.OpenSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	ops := &opLog{}
	h := &harness{
		auth: &fakeAuth{
			result: &authclient.LoginResult{
				Tokens: domain.TokenPair{AccessToken: "A1", RefreshToken: "R1"},
				User:   authclient.User{Username: "alice", Role: "admin"},
			},
			ops: ops,
		},
		backend:   &fakeBackend{server: server, ops: ops},
		sessions:  store.NewMemorySessionStore(),
		cache:     &recordingCache{DatasetCache: sqlite, ops: ops},
		notifier:  &recordingNotifier{},
		escalator: &recordingEscalator{},
		publisher: &recordingPublisher{},
		ops:       ops,
	}
	h.sync = NewSynchronizer(Deps{
		Auth:       h.auth,
		Backend:    h.backend,
		Sessions:   h.sessions,
		Cache:      h.cache,
		Notifier:   h.notifier,
		Escalator:  h.escalator,
		Publisher:  h.publisher,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		InstanceID: "test-instance",
	})
	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sync.Login(context.Background(), "alice", "pw"))
}

func serverDataset() *domain.CachedDataset {
	return &domain.CachedDataset{
		Status: "success",
		KPIs:   &domain.KPIs{TotalBorrowers: 3, TotalArrears: 4500},
		DetailedBreakdown: domain.DetailedBreakdown{ByDueDateCategory: map[string][]domain.BorrowerRecord{
			domain.CategoryToday: {
				{NO: "7", Cell1: "9876543210", PreferredLanguage: "ta-IN"},
				{NO: "8", Cell1: "9876500000", CallCompleted: true, AISummary: "Paid"},
			},
			domain.CategoryOneToSevenDay: {
				{NO: "9", Cell1: "9123456780"},
			},
		}},
	}
}
