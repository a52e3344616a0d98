package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/store"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/authclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/backendclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/gateway"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/rabbitmq"
)

func TestLoginStoresSessionPurgesCacheThenFetches(t *testing.T) {
	h := newHarness(t, serverDataset())
	ctx := context.Background()

	// A previous user's dataset must not survive the login.
	stale := serverDataset()
	stale.KPIs.TotalBorrowers = 99
	_, err := h.cache.DatasetCache.Put(ctx, stale)
	require.NoError(t, err)

	h.login(t)

	session, err := h.sessions.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A1", session.AccessToken)
	assert.Equal(t, "R1", session.RefreshToken)
	assert.Equal(t, "alice", session.Username)
	assert.Equal(t, domain.ViewDashboard, session.CurrentView)

	assert.Equal(t, []string{"login", "purge", "fetch", "put"}, h.ops.list())

	state := h.sync.State()
	assert.True(t, state.Authenticated)
	assert.Equal(t, domain.ViewDashboard, state.View)
	require.True(t, state.Dataset.Valid())
	assert.Equal(t, 3, state.Dataset.KPIs.TotalBorrowers)
	assert.Zero(t, state.Loading)

	cached, _, err := h.cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cached.KPIs.TotalBorrowers)
	assert.Contains(t, h.notifier.messages(), "Welcome, alice")
}

func TestLoginFailureShowsServerDetail(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.auth.loginErr = &domain.HTTPError{Status: http.StatusUnauthorized, Detail: "Invalid username or password"}

	err := h.sync.Login(context.Background(), "alice", "wrong")

	var httpErr *domain.HTTPError
	require.ErrorAs(t, err, &httpErr)
	state := h.sync.State()
	assert.False(t, state.Authenticated)
	assert.Equal(t, domain.ViewLoggedOut, state.View)
	assert.Zero(t, state.Loading)
	require.NotNil(t, state.Notice)
	assert.Equal(t, "Invalid username or password", state.Notice.Message)

	session, _ := h.sessions.Load(context.Background())
	assert.True(t, session.IsZero())
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t, serverDataset())

	err := h.sync.Login(context.Background(), "  ", "pw")

	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, h.ops.list())
}

func TestRegisterValidatesAndNeverLogsIn(t *testing.T) {
	h := newHarness(t, serverDataset())
	ctx := context.Background()

	err := h.sync.Register(ctx, "bob", "pw1", "pw2")
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, h.auth.registered)

	require.NoError(t, h.sync.Register(ctx, "bob", "pw1", "pw1"))
	assert.Len(t, h.auth.registered, 1)
	assert.False(t, h.sync.State().Authenticated)

	session, _ := h.sessions.Load(ctx)
	assert.True(t, session.IsZero())
}

func TestBootstrapWithoutTokenStartsLoggedOut(t *testing.T) {
	h := newHarness(t, serverDataset())
	require.NoError(t, h.sessions.Save(context.Background(), domain.Session{Username: "alice", CurrentView: domain.ViewDashboard}))

	require.NoError(t, h.sync.Bootstrap(context.Background()))

	assert.Equal(t, domain.ViewLoggedOut, h.sync.State().View)
	assert.Zero(t, h.backend.fetches)
}

func TestBootstrapPaintsCachedDatasetBeforeFetch(t *testing.T) {
	h := newHarness(t, serverDataset())
	ctx := context.Background()

	cached := serverDataset()
	cached.KPIs.TotalBorrowers = 5
	_, err := h.cache.DatasetCache.Put(ctx, cached)
	require.NoError(t, err)
	require.NoError(t, h.sessions.Save(ctx, domain.Session{
		AccessToken: "A1", RefreshToken: "R1", Username: "alice",
		CurrentView: domain.ViewSummaryDetails, CurrentPeriodKey: domain.CategoryToday,
	}))

	gate := make(chan struct{})
	h.backend.fetchGate = gate
	snapshots := h.sync.Bus().Subscribe()

	done := make(chan error, 1)
	go func() { done <- h.sync.Bootstrap(ctx) }()

	var painted State
	require.Eventually(t, func() bool {
		for {
			select {
			case snap := <-snapshots:
				if snap.Dataset != nil {
					painted = snap
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 5, painted.Dataset.KPIs.TotalBorrowers)
	assert.Equal(t, domain.ViewSummaryDetails, painted.View)
	assert.Equal(t, domain.CategoryToday, painted.CategoryKey)
	assert.Zero(t, h.backend.fetches, "the cached copy is shown before the fetch completes")

	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, 3, h.sync.State().Dataset.KPIs.TotalBorrowers)
	fresh, _, err := h.cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.KPIs.TotalBorrowers)
}

func TestBootstrapIgnoresCacheWithoutKPIs(t *testing.T) {
	h := newHarness(t, serverDataset())
	ctx := context.Background()

	_, err := h.cache.DatasetCache.Put(ctx, &domain.CachedDataset{Status: "partial"})
	require.NoError(t, err)
	require.NoError(t, h.sessions.Save(ctx, domain.Session{AccessToken: "A1", RefreshToken: "R1"}))

	h.backend.fetchErr = &domain.NetworkError{Op: "POST /data_ingestion/data", Err: errors.New("offline")}
	err = h.sync.Bootstrap(ctx)

	var netErr *domain.NetworkError
	require.ErrorAs(t, err, &netErr)
	state := h.sync.State()
	assert.Nil(t, state.Dataset)
	assert.Equal(t, domain.ViewDashboard, state.View)
	require.NotNil(t, state.Notice)
	assert.Equal(t, "Unable to reach the server. Check your connection and try again.", state.Notice.Message)
}

func TestResetCallsTwiceYieldsSameDataset(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.sync.ResetCalls(ctx))
	first := h.sync.State().Dataset
	firstCached, _, err := h.cache.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, h.sync.ResetCalls(ctx))
	second := h.sync.State().Dataset

	assert.Equal(t, first, second)
	for _, key := range second.CategoryKeys() {
		counts := second.StatusCounts(key)
		assert.Zero(t, counts[domain.CallSuccess], key)
		assert.Zero(t, counts[domain.CallInProgress], key)
	}
	secondCached, _, err := h.cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstCached, secondCached)
	assert.Equal(t, 2, h.backend.resets)
}

func TestTriggerCallsMergesResultsByLooseID(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	h.backend.results = []domain.CallResult{{
		Success:              true,
		BorrowerID:           "7.0",
		Conversation:         []domain.TranscriptLine{{Speaker: "AI", Text: "Hello"}, {Speaker: "Borrower", Text: "I will pay Friday"}},
		NextStepSummary:      "Promised to pay on Friday",
		RequireManualProcess: true,
		EmailToManagerPreview: &domain.EmailPreview{
			To: "manager@example.com", Subject: "Borrower 7", Body: "Follow up",
		},
		FollowUpDate: "2026-10-23",
	}}
	var sawInProgress atomic.Bool
	h.backend.onTrigger = func() {
		record, _, ok := h.sync.State().Dataset.FindBorrower("7")
		sawInProgress.Store(ok && record.Status() == domain.CallInProgress)
	}

	outcome, err := h.sync.TriggerCalls(ctx, domain.CategoryToday)
	require.NoError(t, err)
	require.NotNil(t, outcome.Calls)
	assert.True(t, sawInProgress.Load())

	require.Len(t, h.backend.requests, 1)
	req := h.backend.requests[0]
	require.Len(t, req.Borrowers, 1, "completed borrowers are not called again")
	assert.Equal(t, domain.CallTarget{NO: "7", Cell1: "9876543210", PreferredLanguage: "ta-IN"}, req.Borrowers[0])

	record, _, ok := h.sync.State().Dataset.FindBorrower("7")
	require.True(t, ok)
	assert.Equal(t, domain.CallSuccess, record.Status())
	assert.Len(t, record.Transcript, 2)
	assert.Equal(t, "Promised to pay on Friday", record.AISummary)
	assert.True(t, record.RequireManualProcess)
	assert.Equal(t, "2026-10-23", record.FollowUpDate)

	cached, _, err := h.cache.Load(ctx)
	require.NoError(t, err)
	cachedRecord, _, ok := cached.FindBorrower("7")
	require.True(t, ok)
	assert.True(t, cachedRecord.CallCompleted)
	assert.Equal(t, "Promised to pay on Friday", cachedRecord.AISummary)

	require.Len(t, h.escalator.escalations, 1)
	assert.Equal(t, domain.BorrowerID("7"), h.escalator.escalations[0].BorrowerID)
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, "trigger-calls", h.publisher.events[0].Reason)
	assert.Equal(t, "test-instance", h.publisher.events[0].InstanceID)
	assert.Zero(t, h.sync.State().Loading)
}

func TestTriggerCallsUsesAnalysisSummaryFallback(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)

	h.backend.results = []domain.CallResult{{Success: true, BorrowerID: "9", AIAnalysis: &domain.AIAnalysis{Summary: "Will pay next week"}}}

	_, err := h.sync.TriggerCalls(context.Background(), domain.CategoryOneToSevenDay)
	require.NoError(t, err)

	record, _, _ := h.sync.State().Dataset.FindBorrower("9")
	assert.Equal(t, "Will pay next week", record.AISummary)
	assert.Empty(t, h.escalator.escalations)
}

func TestTriggerCallsFailureRevertsTargets(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	h.backend.triggerErr = &domain.HTTPError{Status: http.StatusInternalServerError, Detail: "Telephony provider unavailable"}

	_, err := h.sync.TriggerCalls(context.Background(), domain.CategoryToday)
	require.Error(t, err)

	record, _, _ := h.sync.State().Dataset.FindBorrower("7")
	assert.Equal(t, domain.CallYetToCall, record.Status())
	completed, _, _ := h.sync.State().Dataset.FindBorrower("8")
	assert.Equal(t, domain.CallSuccess, completed.Status())
	assert.Equal(t, "Telephony provider unavailable", h.sync.State().Notice.Message)
	assert.Zero(t, h.sync.State().Loading)
}

func TestTriggerCallsPerBorrowerFailure(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	h.backend.results = []domain.CallResult{{Success: false, BorrowerID: "7", Error: "number unreachable"}}

	_, err := h.sync.TriggerCalls(context.Background(), domain.CategoryToday)
	require.NoError(t, err)

	record, _, _ := h.sync.State().Dataset.FindBorrower("7")
	assert.Equal(t, domain.CallYetToCall, record.Status())
	assert.Equal(t, "number unreachable", record.LastCallError)
}

func TestTriggerCallsWithNothingLeftToCall(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)

	_, err := h.sync.TriggerCalls(context.Background(), domain.CategoryToday, "8")

	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, h.backend.requests)
}

func TestTriggerCallsRefetchesOnStaleCache(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	// Another instance writes the shared cache.
	_, err := h.cache.DatasetCache.Put(ctx, serverDataset())
	require.NoError(t, err)

	h.backend.results = []domain.CallResult{{Success: true, BorrowerID: "7", NextStepSummary: "ok"}}
	fetchesBefore := h.backend.fetches

	_, err = h.sync.TriggerCalls(ctx, domain.CategoryToday)
	require.NoError(t, err)

	assert.Equal(t, fetchesBefore+1, h.backend.fetches)
	assert.Empty(t, h.publisher.events)
}

func TestLogoutKeepsDurableCache(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.sync.Logout(ctx))

	state := h.sync.State()
	assert.False(t, state.Authenticated)
	assert.Equal(t, domain.ViewLoggedOut, state.View)
	assert.Nil(t, state.Dataset)
	assert.Equal(t, []string{"A1"}, h.auth.revoked)

	session, _ := h.sessions.Load(ctx)
	assert.True(t, session.IsZero())

	cached, _, err := h.cache.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cached)
}

func TestNavigatePersistsView(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.sync.Navigate(ctx, domain.ViewBorrowerDetails, "", "7"))
	state := h.sync.State()
	assert.Equal(t, domain.ViewBorrowerDetails, state.View)
	assert.Equal(t, domain.CategoryToday, state.CategoryKey)

	session, _ := h.sessions.Load(ctx)
	assert.Equal(t, domain.ViewBorrowerDetails, session.CurrentView)
	assert.Equal(t, domain.CategoryToday, session.CurrentPeriodKey)
	assert.Equal(t, "7", session.CurrentBorrowerID)

	err := h.sync.Navigate(ctx, domain.ViewSummaryDetails, "Next_month", "")
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, domain.ViewBorrowerDetails, h.sync.State().View)
}

func TestUploadNormalisesCallFlags(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	_, err := h.sync.Upload(ctx, "borrowers.pdf", strings.NewReader("x"))
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, h.backend.uploadNames)

	outcome, err := h.sync.Upload(ctx, "Borrowers.XLSX", bytes.NewReader([]byte("sheet")))
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Borrowers)

	record, _, _ := h.sync.State().Dataset.FindBorrower("8")
	assert.Equal(t, domain.CallYetToCall, record.Status())
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, "upload", h.publisher.events[0].Reason)
}

func TestActionsRequireLogin(t *testing.T) {
	h := newHarness(t, serverDataset())

	err := h.sync.Refresh(context.Background())

	require.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Zero(t, h.backend.fetches)
	assert.Equal(t, "Please log in to continue.", h.sync.State().Notice.Message)
}

// backendServer is a fake backend speaking the real wire format.
type backendServer struct {
	accepted     string
	refreshToken string
	newToken     string
	dataHits     atomic.Int32
	refreshHits  atomic.Int32
}

func (b *backendServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/refresh":
		b.refreshHits.Add(1)
		if b.newToken == "" || r.URL.Query().Get("refresh_token") != b.refreshToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Invalid refresh token"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"`+b.newToken+`","token_type":"bearer"}`)
	case "/data_ingestion/data":
		b.dataHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+b.accepted {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"success","kpis":{"total_borrowers":1,"total_arrears":100},"detailed_breakdown":{"by_due_date_category":{"Today":[{"NO":7}]}}}`)
	default:
		http.NotFound(w, r)
	}
}

func newWiredSynchronizer(t *testing.T, backend *backendServer) (*Synchronizer, *store.MemorySessionStore, *recordingNotifier) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := store.NewMemorySessionStore()
	auth := authclient.NewClient(srv.URL, 5*time.Second)
	gw := gateway.New(sessions, auth, gateway.WithLogger(logger))

	h := newHarness(t, serverDataset())
	notifier := &recordingNotifier{}
	s := NewSynchronizer(Deps{
		Auth:     auth,
		Backend:  backendclient.NewClient(srv.URL, gw),
		Sessions: sessions,
		Cache:    h.cache,
		Notifier: notifier,
		Logger:   logger,
	})
	gw.OnSessionExpired(s.SessionExpired)
	return s, sessions, notifier
}

func TestRefreshRejectedEndsSession(t *testing.T) {
	backend := &backendServer{accepted: "A2", refreshToken: "R1"}
	s, sessions, notifier := newWiredSynchronizer(t, backend)
	ctx := context.Background()
	require.NoError(t, sessions.Save(ctx, domain.Session{AccessToken: "A1", RefreshToken: "R1", Username: "alice", CurrentView: domain.ViewDashboard}))

	err := s.Bootstrap(ctx)

	require.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	state := s.State()
	assert.Equal(t, domain.ViewLoggedOut, state.View)
	assert.False(t, state.Authenticated)
	assert.Zero(t, state.Loading)
	assert.EqualValues(t, 1, backend.dataHits.Load(), "no retry after a rejected refresh")
	assert.EqualValues(t, 1, backend.refreshHits.Load())
	assert.Equal(t, []string{"Session expired. Please log in again."}, notifier.messages())

	session, _ := sessions.Load(ctx)
	assert.True(t, session.IsZero())
}

func TestExpiredAccessTokenIsRotated(t *testing.T) {
	backend := &backendServer{accepted: "A2", refreshToken: "R1", newToken: "A2"}
	s, sessions, _ := newWiredSynchronizer(t, backend)
	ctx := context.Background()
	require.NoError(t, sessions.Save(ctx, domain.Session{AccessToken: "A1", RefreshToken: "R1", Username: "alice"}))

	require.NoError(t, s.Bootstrap(ctx))

	state := s.State()
	assert.True(t, state.Authenticated)
	require.True(t, state.Dataset.Valid())
	assert.Equal(t, 1, state.Dataset.KPIs.TotalBorrowers)
	assert.EqualValues(t, 2, backend.dataHits.Load())
	assert.EqualValues(t, 1, backend.refreshHits.Load())

	session, _ := sessions.Load(ctx)
	assert.Equal(t, "A2", session.AccessToken)
	assert.Equal(t, "R1", session.RefreshToken)
}

func TestDatasetEventFromAnotherInstanceRefetches(t *testing.T) {
	h := newHarness(t, serverDataset())
	event := rabbitmq.DatasetEvent{InstanceID: "other-instance", Reason: "upload", Version: 4}

	assert.True(t, h.sync.HandleDatasetEvent(event))
	assert.Zero(t, h.backend.fetches, "logged out consoles ignore dataset events")

	h.login(t)
	h.backend.mu.Lock()
	h.backend.server.KPIs.TotalBorrowers = 5
	h.backend.mu.Unlock()

	assert.True(t, h.sync.HandleDatasetEvent(event))

	assert.Equal(t, 2, h.backend.fetches)
	assert.Equal(t, 5, h.sync.State().Dataset.KPIs.TotalBorrowers)
	assert.Empty(t, h.publisher.events, "refetches are not announced")
}

func TestLogoutDuringCallsWins(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	h.backend.results = []domain.CallResult{{Success: true, BorrowerID: "7", NextStepSummary: "ok"}}
	h.backend.onTrigger = func() {
		require.NoError(t, h.sync.Logout(ctx))
	}

	_, err := h.sync.TriggerCalls(ctx, domain.CategoryToday)
	require.NoError(t, err)

	session, _ := h.sessions.Load(ctx)
	assert.False(t, session.Authenticated())
	state := h.sync.State()
	assert.False(t, state.Authenticated)
	assert.Equal(t, domain.ViewLoggedOut, state.View)
	assert.Nil(t, state.Dataset)
	assert.Zero(t, state.Loading)
	for _, message := range h.notifier.messages() {
		assert.NotContains(t, message, "Calls finished")
	}
	assert.Empty(t, h.escalator.escalations)
}

func TestRefreshDoesNotUndoNavigation(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()

	gate := make(chan struct{})
	h.backend.fetchGate = gate
	done := make(chan error, 1)
	go func() { done <- h.sync.Refresh(ctx) }()
	require.Eventually(t, func() bool { return h.sync.State().Loading == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.sync.Navigate(ctx, domain.ViewSummaryDetails, domain.CategoryToday, ""))
	close(gate)
	require.NoError(t, <-done)

	state := h.sync.State()
	assert.Equal(t, domain.ViewSummaryDetails, state.View)
	assert.Equal(t, domain.CategoryToday, state.CategoryKey)
	session, _ := h.sessions.Load(ctx)
	assert.Equal(t, state.View, session.CurrentView)
	assert.Equal(t, state.CategoryKey, session.CurrentPeriodKey)
}

func TestResetCallsKeepsOpenCategoryAndAnnounces(t *testing.T) {
	h := newHarness(t, serverDataset())
	h.login(t)
	ctx := context.Background()
	require.NoError(t, h.sync.Navigate(ctx, domain.ViewSummaryDetails, domain.CategoryToday, ""))

	before, heldVersion, err := h.cache.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, before)

	require.NoError(t, h.sync.ResetCalls(ctx))

	state := h.sync.State()
	assert.Equal(t, domain.ViewSummaryDetails, state.View)
	assert.Equal(t, domain.CategoryToday, state.CategoryKey)
	counts := state.Dataset.StatusCounts(domain.CategoryToday)
	assert.Zero(t, counts[domain.CallSuccess])
	assert.Equal(t, len(state.Dataset.Category(domain.CategoryToday)), counts[domain.CallYetToCall])
	record, _, ok := state.Dataset.FindBorrower("8")
	require.True(t, ok)
	assert.Empty(t, record.AISummary)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, "reset-calls", h.publisher.events[0].Reason)
	assert.Equal(t, state.CacheVersion, h.publisher.events[0].Version)
	assert.Greater(t, state.CacheVersion, heldVersion, "a reset never reuses a version")

	// A writer still holding the pre-reset version cannot overwrite the reset.
	_, err = h.cache.CompareAndPut(ctx, before, heldVersion)
	require.ErrorIs(t, err, store.ErrStaleWrite)
}
