package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/api"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/app"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/render"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/rabbitmq"
)

type command struct {
	summary string
	run     func(ctx context.Context, c *console, args []string) error
}

var commands = map[string]command{
	"login":         {"log in and load the dashboard", runLogin},
	"register":      {"create an account and log in", runRegister},
	"logout":        {"end the session (the dataset cache is kept)", runLogout},
	"status":        {"show the session, token expiry and cache state", runStatus},
	"fetch":         {"refetch the dataset and show the dashboard", runFetch},
	"view":          {"show the current view", runView},
	"navigate":      {"switch view: navigate <view> [-category KEY] [-borrower ID]", runNavigate},
	"upload":        {"upload a borrower spreadsheet: upload <file>", runUpload},
	"trigger-calls": {"call borrowers of a category: trigger-calls -category KEY [ID...]", runTriggerCalls},
	"reset-calls":   {"clear call progress for every borrower", runResetCalls},
	"export":        {"download the dataset as CSV: export [-out FILE]", runExport},
	"history":       {"list stored calls of a borrower: history <ID>", runHistory},
	"borrower":      {"show one borrower as the server has it now: borrower <ID>", runBorrower},
	"serve":         {"run the view server with background refresh, upload watcher and events", runServe},
}

// reportedError marks an error the notifier already showed to the operator.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err}
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func runLogin(ctx context.Context, c *console, args []string) error {
	fs := newFlags("login")
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password (default $COLLECTIONS_PASSWORD, then prompt)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := passwordFrom(*password, os.Stdin, "Password: ")
	if err != nil {
		return err
	}
	if err := c.sync.Login(ctx, strings.TrimSpace(*username), secret); err != nil {
		return reported(err)
	}
	return c.renderCurrent()
}

func runRegister(ctx context.Context, c *console, args []string) error {
	fs := newFlags("register")
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password (default $COLLECTIONS_PASSWORD, then prompt)")
	confirm := fs.String("confirm", "", "password confirmation (default: prompt)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := bufio.NewReader(os.Stdin)
	secret, err := passwordFrom(*password, in, "Password: ")
	if err != nil {
		return err
	}
	again := *confirm
	if again == "" {
		if again, err = prompt(in, "Confirm password: "); err != nil {
			return err
		}
	}
	if err := c.sync.Register(ctx, strings.TrimSpace(*username), secret, again); err != nil {
		return reported(err)
	}
	return c.renderCurrent()
}

func runLogout(ctx context.Context, c *console, args []string) error {
	if err := newFlags("logout").Parse(args); err != nil {
		return err
	}
	return reported(c.sync.Logout(ctx))
}

type statusView struct {
	Authenticated   bool        `json:"authenticated" yaml:"authenticated"`
	Username        string      `json:"username,omitempty" yaml:"username,omitempty"`
	View            domain.View `json:"view" yaml:"view"`
	CategoryKey     string      `json:"category_key,omitempty" yaml:"category_key,omitempty"`
	BorrowerID      string      `json:"borrower_id,omitempty" yaml:"borrower_id,omitempty"`
	TokenSubject    string      `json:"token_subject,omitempty" yaml:"token_subject,omitempty"`
	TokenExpiresAt  *time.Time  `json:"token_expires_at,omitempty" yaml:"token_expires_at,omitempty"`
	TokenExpiry     string      `json:"token_expiry" yaml:"token_expiry"`
	CachedDataset   bool        `json:"cached_dataset" yaml:"cached_dataset"`
	CacheVersion    int64       `json:"cache_version" yaml:"cache_version"`
	CachedBorrowers int         `json:"cached_borrowers" yaml:"cached_borrowers"`
	ServerUser      string      `json:"server_user,omitempty" yaml:"server_user,omitempty"`
	ServerRole      string      `json:"server_role,omitempty" yaml:"server_role,omitempty"`
	SessionStore    string      `json:"session_store" yaml:"session_store"`
	CacheStore      string      `json:"cache_store" yaml:"cache_store"`
}

// runStatus reads the stores directly; it does not fetch unless -verify is set.
func runStatus(ctx context.Context, c *console, args []string) error {
	fs := newFlags("status")
	verify := fs.Bool("verify", false, "ask the server whether the token is accepted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	session, err := c.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	status := statusView{
		Authenticated: session.Authenticated(),
		Username:      session.Username,
		View:          domain.ViewLoggedOut,
		TokenExpiry:   "none",
		SessionStore:  c.cfg.SessionStore,
		CacheStore:    c.cfg.CacheStore,
	}
	if status.Authenticated {
		status.View, status.CategoryKey, status.BorrowerID = session.CurrentView, session.CurrentPeriodKey, session.CurrentBorrowerID
		if status.View == "" {
			status.View = domain.ViewDashboard
		}
		status.TokenExpiry = "unknown"
		if claims, ok := session.AccessTokenClaims(); ok {
			status.TokenSubject = claims.Subject
			if !claims.ExpiresAt.IsZero() {
				expires := claims.ExpiresAt
				status.TokenExpiresAt = &expires
				status.TokenExpiry = "valid"
				if claims.Expired(time.Now()) {
					status.TokenExpiry = "expired"
				}
			}
		}
	}

	dataset, version, err := c.cache.Load(ctx)
	if err != nil {
		c.logger.Warn("dataset cache unreadable", "error", err)
	}
	if dataset.Valid() {
		status.CachedDataset = true
		status.CacheVersion = version
		status.CachedBorrowers = dataset.KPIs.TotalBorrowers
	}

	if *verify && status.Authenticated {
		result, err := c.backend.Verify(ctx)
		if err != nil {
			return err
		}
		status.ServerUser, status.ServerRole = result.User, result.Role
	}

	return render.Write(c.out, c.format, status)
}

func runFetch(ctx context.Context, c *console, args []string) error {
	if err := newFlags("fetch").Parse(args); err != nil {
		return err
	}
	if err := c.bootstrap(ctx); err != nil {
		return err
	}
	return render.Write(c.out, c.format, render.Dashboard(c.sync.State()))
}

func runView(ctx context.Context, c *console, args []string) error {
	if err := newFlags("view").Parse(args); err != nil {
		return err
	}
	if err := c.bootstrap(ctx); err != nil {
		return err
	}
	return c.renderCurrent()
}

func runNavigate(ctx context.Context, c *console, args []string) error {
	fs := newFlags("navigate")
	category := fs.String("category", "", "category key for summary-details")
	borrower := fs.String("borrower", "", "borrower id for borrower-details")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return domain.NewValidationError("view", "expected one of dashboard, summary-details, borrower-details")
	}
	view, ok := domain.ParseView(fs.Arg(0))
	if !ok {
		return domain.NewValidationError("view", fmt.Sprintf("unknown view %q", fs.Arg(0)))
	}

	if err := c.bootstrap(ctx); err != nil {
		return err
	}
	if err := c.sync.Navigate(ctx, view, *category, domain.BorrowerID(*borrower)); err != nil {
		return reported(err)
	}
	return c.renderCurrent()
}

func runUpload(ctx context.Context, c *console, args []string) error {
	fs := newFlags("upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return domain.NewValidationError("file", "expected the path of one .xlsx or .csv file")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return domain.NewValidationError("file", err.Error())
	}
	defer f.Close()

	if err := c.bootstrap(ctx); err != nil {
		return err
	}
	if _, err := c.sync.Upload(ctx, f.Name(), f); err != nil {
		return reported(err)
	}
	return render.Write(c.out, c.format, render.Dashboard(c.sync.State()))
}

func runTriggerCalls(ctx context.Context, c *console, args []string) error {
	fs := newFlags("trigger-calls")
	category := fs.String("category", "", "category key whose borrowers are called")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := make([]domain.BorrowerID, 0, fs.NArg())
	for _, arg := range fs.Args() {
		ids = append(ids, domain.BorrowerID(arg))
	}

	if err := c.bootstrap(ctx); err != nil {
		return err
	}
	outcome, err := c.sync.TriggerCalls(ctx, *category, ids...)
	if err != nil {
		return reported(err)
	}
	if outcome.Calls == nil {
		return nil
	}
	if c.format == render.FormatText {
		return writeCallResults(c.out, outcome.Calls)
	}
	return render.Write(c.out, c.format, outcome.Calls)
}

func writeCallResults(w io.Writer, calls *domain.BulkCallResponse) error {
	fmt.Fprintf(w, "%d requested, %d succeeded, %d failed\n", calls.TotalRequests, calls.SuccessfulCalls, calls.FailedCalls)
	for _, result := range calls.Results {
		status := "ok"
		if !result.Success {
			status = "failed: " + result.Error
		}
		if _, err := fmt.Fprintf(w, "  %s  %s\n", result.BorrowerID, status); err != nil {
			return err
		}
	}
	return nil
}

func runResetCalls(ctx context.Context, c *console, args []string) error {
	if err := newFlags("reset-calls").Parse(args); err != nil {
		return err
	}
	if err := c.bootstrap(ctx); err != nil {
		return err
	}
	if err := c.sync.ResetCalls(ctx); err != nil {
		return reported(err)
	}
	return render.Write(c.out, c.format, render.Dashboard(c.sync.State()))
}

func runExport(ctx context.Context, c *console, args []string) error {
	fs := newFlags("export")
	out := fs.String("out", "", "file to write (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var w io.Writer = c.out
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", *out, err)
		}
		defer f.Close()
		w = f
	}

	n, err := c.backend.ExportCSV(ctx, w)
	if err != nil {
		return err
	}
	c.logger.Info("dataset exported", "bytes", n, "file", *out)
	return nil
}

func runHistory(ctx context.Context, c *console, args []string) error {
	fs := newFlags("history")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return domain.NewValidationError("borrower", "expected one borrower id")
	}

	sessions, err := c.backend.ListCallSessions(ctx, domain.BorrowerID(fs.Arg(0)))
	if err != nil {
		return err
	}
	if c.format == render.FormatText {
		return writeCallSessions(c.out, sessions)
	}
	return render.Write(c.out, c.format, sessions)
}

func runBorrower(ctx context.Context, c *console, args []string) error {
	fs := newFlags("borrower")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return domain.NewValidationError("borrower", "expected one borrower id")
	}

	record, err := c.backend.GetBorrower(ctx, domain.BorrowerID(fs.Arg(0)))
	if err != nil {
		return err
	}
	return render.Write(c.out, c.format, render.Borrower(*record, ""))
}

func writeCallSessions(w io.Writer, sessions []domain.CallSession) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No calls recorded.")
		return err
	}
	for _, s := range sessions {
		mode := "live"
		if s.IsDummy {
			mode = "dummy"
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n", s.CreatedAt, s.CallUUID, mode, s.Status)
		for _, line := range s.Conversation {
			fmt.Fprintf(w, "    %s: %s\n", line.Speaker, line.Text)
		}
	}
	return nil
}

func runServe(ctx context.Context, c *console, args []string) error {
	fs := newFlags("serve")
	host := fs.String("host", c.cfg.ViewServerHost, "view server bind address")
	port := fs.String("port", c.cfg.ViewServerPort, "view server port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := c.sync.Bootstrap(ctx); err != nil {
		c.logger.Warn("initial dataset fetch failed", "error", err)
	}

	scheduler := app.NewScheduler(c.sync, c.cfg.AutoRefreshSchedule, c.logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer func() { <-scheduler.Stop().Done() }()

	watcher := app.NewWatcher(c.cfg.WatchDir, c.sync, c.logger)
	if err := watcher.Backfill(ctx); err != nil {
		c.logger.Warn("failed to upload pending files", "error", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	if c.cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(c.cfg.RabbitMQURL)
		if err != nil {
			c.logger.Warn("rabbitmq unavailable, dataset events from other instances are ignored", "error", err)
		} else {
			defer consumer.Close()
			if err := consumer.ConsumeDatasetEvents(c.cfg.EventsExchange, c.sync.InstanceID(), c.sync.HandleDatasetEvent); err != nil {
				return fmt.Errorf("failed to consume dataset events: %w", err)
			}
			c.logger.Info("listening for dataset events", "exchange", c.cfg.EventsExchange)
		}
	}

	handler := api.NewHandler(c.sync, c.sync.Bus(), c.logger, c.cfg.AllowedOrigins()...)
	server := &http.Server{
		Addr:              net.JoinHostPort(*host, *port),
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if ip := net.ParseIP(*host); *host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		c.logger.Warn("view server is reachable from the network and acts with the logged-in session", "addr", server.Addr)
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("starting view server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("view server failed: %w", err)
		}
	case <-ctx.Done():
		c.logger.Info("shutdown signal received, gracefully shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("server shutdown failed", "error", err)
	}
	c.logger.Info("server stopped")
	return nil
}

// bootstrap restores the session and refetches. A failed fetch is tolerated
// when a cached dataset is there to show.
func (c *console) bootstrap(ctx context.Context) error {
	err := c.sync.Bootstrap(ctx)
	state := c.sync.State()
	if !state.Authenticated {
		if err != nil {
			return reported(err)
		}
		return domain.ErrNotAuthenticated
	}
	if err != nil && state.Dataset == nil {
		return reported(err)
	}
	return nil
}

func (c *console) renderCurrent() error {
	view, err := render.Current(c.sync.State())
	if err != nil {
		return err
	}
	return render.Write(c.out, c.format, view)
}

func passwordFrom(flagValue string, in io.Reader, label string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("COLLECTIONS_PASSWORD"); env != "" {
		return env, nil
	}
	reader, ok := in.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(in)
	}
	return prompt(reader, label)
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
