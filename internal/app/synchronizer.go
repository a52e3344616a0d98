/**
 * @description
 * The synchronizer owns the console state and keeps three copies of the dataset
 * in step: the in-memory working copy, the durable cache and the server. The
 * server always wins; the cache only exists so a restart can paint something
 * before the first fetch completes.
 *
 * State mutations are serialised by a mutex. Network calls are made without
 * holding it, so a slow backend never blocks reads or other commands.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/notify"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/store"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/authclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/backendclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/rabbitmq"
)

// AuthAPI is the subset of the auth client the synchronizer uses.
type AuthAPI interface {
	Login(ctx context.Context, creds authclient.Credentials) (*authclient.LoginResult, error)
	Register(ctx context.Context, creds authclient.Credentials) error
	Logout(ctx context.Context, accessToken string) error
}

// BackendAPI is the subset of the backend client the synchronizer uses.
type BackendAPI interface {
	FetchDataset(ctx context.Context) (*domain.CachedDataset, error)
	UploadDataset(ctx context.Context, filename string, content io.Reader) (*domain.CachedDataset, error)
	TriggerCalls(ctx context.Context, req domain.BulkCallRequest) (*domain.BulkCallResponse, error)
	ResetCalls(ctx context.Context) (*backendclient.ResetResult, error)
}

// Deps wires a Synchronizer. Auth, Backend, Sessions and Cache are required.
type Deps struct {
	Auth      AuthAPI
	Backend   BackendAPI
	Sessions  store.SessionStore
	Cache     store.DatasetCache
	Notifier  notify.Notifier
	Escalator notify.Escalator
	Publisher rabbitmq.Publisher
	Bus       *Bus
	Logger    *slog.Logger

	InstanceID    string
	UseDummyCalls bool
}

// Outcome carries what a command produced besides the new state.
type Outcome struct {
	Calls     *domain.BulkCallResponse
	Borrowers int
}

// Synchronizer executes operator commands against the backend and the stores.
type Synchronizer struct {
	auth      AuthAPI
	backend   BackendAPI
	sessions  store.SessionStore
	cache     store.DatasetCache
	notifier  notify.Notifier
	escalator notify.Escalator
	publisher rabbitmq.Publisher
	bus       *Bus
	logger    *slog.Logger

	instanceID    string
	useDummyCalls bool
	now           func() time.Time

	mu    sync.Mutex
	state State
	// epoch changes whenever a session starts or ends. Results of calls that
	// started under an older epoch are dropped.
	epoch uint64
}

// NewSynchronizer starts logged out; call Bootstrap to restore a session.
func NewSynchronizer(deps Deps) *Synchronizer {
	s := &Synchronizer{
		auth:          deps.Auth,
		backend:       deps.Backend,
		sessions:      deps.Sessions,
		cache:         deps.Cache,
		notifier:      deps.Notifier,
		escalator:     deps.Escalator,
		publisher:     deps.Publisher,
		bus:           deps.Bus,
		logger:        deps.Logger,
		instanceID:    deps.InstanceID,
		useDummyCalls: deps.UseDummyCalls,
		now:           time.Now,
		state:         loggedOutState(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	if s.escalator == nil {
		s.escalator = notify.NoopEscalator{}
	}
	if s.publisher == nil {
		s.publisher = &rabbitmq.EventProducerFallback{}
	}
	if s.bus == nil {
		s.bus = NewBus()
	}
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	return s
}

// State returns a snapshot of the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bus returns the bus snapshots are published on.
func (s *Synchronizer) Bus() *Bus {
	return s.bus
}

// InstanceID identifies this process in dataset events.
func (s *Synchronizer) InstanceID() string {
	return s.instanceID
}

// Bootstrap restores the state at startup. Without an access token the console
// starts logged out. Otherwise the view is restored from the session, a valid
// cached dataset is shown at once and a fetch replaces it.
func (s *Synchronizer) Bootstrap(ctx context.Context) error {
	session, err := s.sessions.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load session, starting logged out", "error", err)
		session = domain.Session{}
	}

	if !session.Authenticated() {
		s.mu.Lock()
		s.state = loggedOutState()
		s.touch()
		snapshot := s.state
		s.mu.Unlock()
		s.bus.Publish(snapshot)
		return nil
	}

	view, category, borrower := restoreView(session)

	dataset, version, err := s.cache.Load(ctx)
	switch {
	case err != nil:
		s.logger.Warn("ignoring unreadable dataset cache", "error", err)
		dataset, version = nil, 0
	case dataset != nil && !dataset.Valid():
		s.logger.Warn("ignoring cached dataset without kpis")
		dataset, version = nil, 0
	}

	s.mu.Lock()
	s.epoch++
	s.state.Authenticated = true
	s.state.Username = session.Username
	s.state.View = view
	s.state.CategoryKey = category
	s.state.BorrowerID = borrower
	s.state.Dataset = dataset
	s.state.CacheVersion = version
	s.touch()
	snapshot := s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)

	_, err = s.Dispatch(ctx, RefreshAction{})
	return err
}

// Dispatch plans and executes one action. Every exit path releases the loading
// counter and reports the outcome to the notifier, except authentication
// failures, which were already reported when the session ended.
func (s *Synchronizer) Dispatch(ctx context.Context, action Action) (Outcome, error) {
	release := s.beginLoading()
	defer release()

	s.mu.Lock()
	current := s.state
	run := &execution{action: action, epoch: s.epoch}
	s.mu.Unlock()

	next, effects, err := plan(current, action)
	if err != nil {
		s.fail(ctx, action, err)
		return run.outcome, err
	}
	run.next = next

	for _, effect := range effects {
		if err := s.apply(ctx, effect, run); err != nil {
			if run.authenticated && !errors.Is(err, domain.ErrAuthenticationFailed) {
				// The session exists even though a later step failed.
				s.commit(run)
			}
			s.fail(ctx, action, err)
			return run.outcome, err
		}
	}

	if s.commit(run) {
		s.succeed(ctx, run)
	}
	return run.outcome, nil
}

// Login authenticates, stores the session and loads the dashboard.
func (s *Synchronizer) Login(ctx context.Context, username, password string) error {
	_, err := s.Dispatch(ctx, LoginAction{Username: username, Password: password})
	return err
}

// Register creates an account. It never logs in.
func (s *Synchronizer) Register(ctx context.Context, username, password, confirm string) error {
	_, err := s.Dispatch(ctx, RegisterAction{Username: username, Password: password, ConfirmPassword: confirm})
	return err
}

// Logout revokes the token and clears the session. The dataset cache is kept.
func (s *Synchronizer) Logout(ctx context.Context) error {
	_, err := s.Dispatch(ctx, LogoutAction{})
	return err
}

// Upload replaces the server dataset with a spreadsheet.
func (s *Synchronizer) Upload(ctx context.Context, filename string, content io.Reader) (Outcome, error) {
	return s.Dispatch(ctx, UploadAction{Filename: filename, Content: content})
}

// TriggerCalls calls the borrowers of a category, or only the given ones.
func (s *Synchronizer) TriggerCalls(ctx context.Context, categoryKey string, ids ...domain.BorrowerID) (Outcome, error) {
	return s.Dispatch(ctx, TriggerCallsAction{CategoryKey: categoryKey, BorrowerIDs: ids})
}

// ResetCalls clears call progress on the server and refetches.
func (s *Synchronizer) ResetCalls(ctx context.Context) error {
	_, err := s.Dispatch(ctx, ResetCallsAction{})
	return err
}

// Navigate switches the view and records it in the session.
func (s *Synchronizer) Navigate(ctx context.Context, view domain.View, categoryKey string, borrowerID domain.BorrowerID) error {
	_, err := s.Dispatch(ctx, NavigateAction{View: view, CategoryKey: categoryKey, BorrowerID: borrowerID})
	return err
}

// Refresh refetches the dataset without changing the view.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	_, err := s.Dispatch(ctx, RefreshAction{})
	return err
}

// SessionExpired moves the console to logged out after the gateway gave up on
// refreshing the token. Register it with the gateway's OnSessionExpired.
func (s *Synchronizer) SessionExpired(ctx context.Context) {
	s.endSession()
	s.notify(ctx, notify.Notice{Level: notify.LevelWarning, Message: domain.UserMessage(domain.ErrAuthenticationFailed)})
}

// HandleDatasetEvent refetches after another instance changed the shared cache.
func (s *Synchronizer) HandleDatasetEvent(event rabbitmq.DatasetEvent) bool {
	if !s.State().Authenticated {
		return true
	}
	s.logger.Info("dataset changed by another instance, refetching", "instance_id", event.InstanceID, "reason", event.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("refetch after dataset event failed", "error", err)
	}
	return true
}

type execution struct {
	action Action
	next   State
	// epoch is the session the action runs in. Login and Logout move it to
	// the session they start or end.
	epoch         uint64
	outcome       Outcome
	authenticated bool
}

func (s *Synchronizer) apply(ctx context.Context, effect Effect, run *execution) error {
	switch effect {
	case EffectAuthenticate:
		return s.authenticate(ctx, run)
	case EffectRegister:
		a := run.action.(RegisterAction)
		return s.auth.Register(ctx, authclient.Credentials{Username: strings.TrimSpace(a.Username), Password: a.Password})
	case EffectRevokeRemote:
		s.revokeRemote(ctx)
		return nil
	case EffectClearSession:
		s.clearSession(ctx, run)
		return nil
	case EffectPurgeCache:
		return s.purgeCache(ctx)
	case EffectFetchDataset:
		var reason string
		if _, ok := run.action.(ResetCallsAction); ok {
			reason = "reset-calls"
		}
		return s.fetchDataset(ctx, reason)
	case EffectUploadDataset:
		return s.uploadDataset(ctx, run)
	case EffectResetRemote:
		if _, err := s.backend.ResetCalls(ctx); err != nil {
			return err
		}
		return nil
	case EffectTriggerCalls:
		resp, err := s.triggerCalls(ctx, run.action.(TriggerCallsAction))
		run.outcome.Calls = resp
		return err
	case EffectPersistView:
		return s.persistView(ctx, run.next)
	}
	return fmt.Errorf("unknown effect %q", effect)
}

func (s *Synchronizer) authenticate(ctx context.Context, run *execution) error {
	a := run.action.(LoginAction)
	result, err := s.auth.Login(ctx, authclient.Credentials{Username: strings.TrimSpace(a.Username), Password: a.Password})
	if err != nil {
		return err
	}

	username := result.User.Username
	if username == "" {
		username = run.next.Username
	}
	session := domain.Session{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		Username:     username,
		CurrentView:  domain.ViewDashboard,
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	run.next.Username = username
	run.authenticated = true

	s.mu.Lock()
	s.epoch++
	run.epoch = s.epoch
	s.state.Authenticated = true
	s.state.Username = username
	s.state.Dataset = nil
	s.state.CacheVersion = 0
	s.mu.Unlock()

	s.logger.Info("logged in", "username", username)
	return nil
}

func (s *Synchronizer) revokeRemote(ctx context.Context) {
	session, err := s.sessions.Load(ctx)
	if err != nil || !session.Authenticated() {
		return
	}
	if err := s.auth.Logout(ctx, session.AccessToken); err != nil {
		s.logger.Warn("remote logout failed", "error", err)
	}
}

func (s *Synchronizer) clearSession(ctx context.Context, run *execution) {
	if err := s.sessions.Clear(ctx); err != nil {
		s.logger.Error("failed to clear session", "error", err)
	}
	s.mu.Lock()
	s.epoch++
	run.epoch = s.epoch
	s.mu.Unlock()
}

func (s *Synchronizer) purgeCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to purge dataset cache: %w", err)
	}
	s.mu.Lock()
	s.state.Dataset = nil
	s.state.CacheVersion = 0
	s.mu.Unlock()
	return nil
}

// fetchDataset replaces the working copy with the server's. A non-empty
// reason announces the change to other instances.
func (s *Synchronizer) fetchDataset(ctx context.Context, reason string) error {
	epoch := s.currentEpoch()
	dataset, err := s.backend.FetchDataset(ctx)
	if err != nil {
		return err
	}
	s.storeDataset(ctx, epoch, dataset, reason)
	return nil
}

func (s *Synchronizer) uploadDataset(ctx context.Context, run *execution) error {
	a := run.action.(UploadAction)
	epoch := s.currentEpoch()

	dataset, err := s.backend.UploadDataset(ctx, a.Filename, a.Content)
	if err != nil {
		return err
	}
	dataset.ResetCallProgress()
	if dataset.KPIs != nil {
		run.outcome.Borrowers = dataset.KPIs.TotalBorrowers
	}
	s.storeDataset(ctx, epoch, dataset, "upload")
	return nil
}

// storeDataset makes a server response the working copy and the cached copy.
// A non-empty reason announces the change to other instances.
func (s *Synchronizer) storeDataset(ctx context.Context, epoch uint64, dataset *domain.CachedDataset, reason string) {
	if s.currentEpoch() != epoch {
		s.logger.Debug("dropping dataset fetched for an ended session")
		return
	}

	version, err := s.cache.Put(ctx, dataset)
	if err != nil {
		s.logger.Warn("failed to write dataset cache", "error", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.state.Dataset = dataset
	if err == nil {
		s.state.CacheVersion = version
	}
	s.touch()
	snapshot := s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)

	if reason != "" && err == nil {
		s.announce(ctx, reason, version)
	}
}

func (s *Synchronizer) triggerCalls(ctx context.Context, a TriggerCallsAction) (*domain.BulkCallResponse, error) {
	s.mu.Lock()
	epoch := s.epoch
	base := s.state.Dataset
	targets := selectTargets(base, a.CategoryKey, a.BorrowerIDs)
	if len(targets) == 0 {
		s.mu.Unlock()
		return nil, domain.NewValidationError("borrowers", "no borrowers left to call in this category")
	}
	marked, err := base.Clone()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to copy dataset: %w", err)
	}
	setInProgress(marked, targets, true)
	s.state.Dataset = marked
	s.touch()
	snapshot := s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)

	s.logger.Info("triggering calls", "category", a.CategoryKey, "borrowers", len(targets), "dummy", s.useDummyCalls)
	resp, callErr := s.backend.TriggerCalls(ctx, callRequest(targets, s.useDummyCalls))

	s.mu.Lock()
	if s.epoch != epoch || s.state.Dataset == nil {
		s.mu.Unlock()
		return resp, callErr
	}
	working, err := s.state.Dataset.Clone()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to copy dataset: %w", err)
	}
	var escalations []notify.Escalation
	if callErr != nil {
		setInProgress(working, targets, false)
	} else {
		escalations = mergeCallResults(working, targets, resp.Results)
	}
	expected := s.state.CacheVersion
	s.state.Dataset = working
	s.touch()
	snapshot = s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)

	if callErr != nil {
		return nil, callErr
	}

	s.persistMerge(ctx, epoch, working, expected)
	s.escalate(ctx, escalations)
	return resp, nil
}

// persistMerge writes a locally merged dataset. If another writer got there
// first the server copy is fetched instead of overwriting theirs.
func (s *Synchronizer) persistMerge(ctx context.Context, epoch uint64, working *domain.CachedDataset, expected int64) {
	version, err := s.cache.CompareAndPut(ctx, working, expected)
	switch {
	case errors.Is(err, store.ErrStaleWrite):
		s.logger.Info("dataset cache changed by another writer, refetching")
		if err := s.fetchDataset(ctx, ""); err != nil {
			s.logger.Warn("refetch after stale cache write failed", "error", err)
		}
		return
	case err != nil:
		s.logger.Warn("failed to write dataset cache", "error", err)
		return
	}

	s.mu.Lock()
	if s.epoch == epoch && s.state.Dataset == working {
		s.state.CacheVersion = version
	}
	s.mu.Unlock()

	s.announce(ctx, "trigger-calls", version)
}

func (s *Synchronizer) escalate(ctx context.Context, escalations []notify.Escalation) {
	if len(escalations) == 0 {
		return
	}
	for _, escalation := range escalations {
		if err := s.escalator.Escalate(ctx, escalation); err != nil {
			s.logger.Error("failed to send escalation", "borrower_id", string(escalation.BorrowerID), "error", err)
		}
	}
	s.notify(ctx, notify.Notice{
		Level:   notify.LevelWarning,
		Message: fmt.Sprintf("%d borrower(s) need manual follow-up", len(escalations)),
	})
}

func (s *Synchronizer) persistView(ctx context.Context, next State) error {
	session, err := s.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if !session.Authenticated() {
		return domain.ErrNotAuthenticated
	}
	session.CurrentView = next.View
	session.CurrentPeriodKey = next.CategoryKey
	session.CurrentBorrowerID = string(next.BorrowerID)
	if err := s.sessions.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *Synchronizer) announce(ctx context.Context, reason string, version int64) {
	event := rabbitmq.DatasetEvent{InstanceID: s.instanceID, Reason: reason, Version: version, Timestamp: s.now().UTC()}
	if err := s.publisher.PublishDatasetEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish dataset event", "reason", reason, "error", err)
	}
}

// commit applies the fields the action owns once all effects succeeded.
// Other fields may have moved on while the effects ran and are left alone.
// It returns false, committing nothing, when the session started or ended
// since the action was planned.
func (s *Synchronizer) commit(run *execution) bool {
	s.mu.Lock()
	if _, register := run.action.(RegisterAction); !register && s.epoch != run.epoch {
		s.mu.Unlock()
		s.logger.Debug("dropping result of an action from an ended session", "action", run.action.actionName())
		return false
	}
	next := run.next
	switch run.action.(type) {
	case LoginAction, LogoutAction:
		s.state.Authenticated = next.Authenticated
		s.state.Username = next.Username
		s.state.moveTo(next)
	case NavigateAction:
		s.state.moveTo(next)
	}
	if !s.state.Authenticated {
		s.state.Dataset = nil
		s.state.CacheVersion = 0
	}
	s.touch()
	snapshot := s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)
	return true
}

func (s *Synchronizer) endSession() {
	s.mu.Lock()
	s.epoch++
	loading, notice := s.state.Loading, s.state.Notice
	s.state = loggedOutState()
	s.state.Loading = loading
	s.state.Notice = notice
	s.touch()
	snapshot := s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)
}

func (s *Synchronizer) succeed(ctx context.Context, run *execution) {
	var message string
	switch a := run.action.(type) {
	case LoginAction:
		message = "Welcome, " + run.next.Username
	case RegisterAction:
		message = "Registration successful. Please log in."
	case LogoutAction:
		message = "Logged out"
	case UploadAction:
		message = fmt.Sprintf("Upload complete: %d borrowers", run.outcome.Borrowers)
	case TriggerCallsAction:
		if calls := run.outcome.Calls; calls != nil {
			message = fmt.Sprintf("Calls finished for %s: %d successful, %d failed", domain.CategoryLabel(a.CategoryKey), calls.SuccessfulCalls, calls.FailedCalls)
		}
	case ResetCallsAction:
		message = "Call history reset"
	}
	if message != "" {
		s.notify(ctx, notify.Notice{Level: notify.LevelSuccess, Message: message})
	}
}

func (s *Synchronizer) fail(ctx context.Context, action Action, err error) {
	if errors.Is(err, domain.ErrAuthenticationFailed) {
		s.logger.Debug("action ended by expired session", "action", action.actionName())
		return
	}
	if errors.Is(err, domain.ErrNotAuthenticated) && s.State().Authenticated {
		s.endSession()
	}
	s.logger.Warn("action failed", "action", action.actionName(), "error", err)
	s.notify(ctx, notify.Notice{Level: notify.LevelError, Message: domain.UserMessage(err)})
}

func (s *Synchronizer) notify(ctx context.Context, notice notify.Notice) {
	s.mu.Lock()
	s.state.Notice = &notice
	s.touch()
	snapshot := s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)
	s.notifier.Notify(ctx, notice)
}

func (s *Synchronizer) beginLoading() func() {
	s.mu.Lock()
	s.state.Loading++
	snapshot := s.state
	s.mu.Unlock()
	s.bus.Publish(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.state.Loading > 0 {
				s.state.Loading--
			}
			snapshot := s.state
			s.mu.Unlock()
			s.bus.Publish(snapshot)
		})
	}
}

func (s *Synchronizer) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// touch must be called with mu held.
func (s *Synchronizer) touch() {
	s.state.UpdatedAt = s.now()
}
