package app

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// Action is one operator command. The set is closed: only the types in this
// file implement it.
type Action interface {
	actionName() string
}

type LoginAction struct {
	Username string
	Password string
}

type RegisterAction struct {
	Username        string
	Password        string
	ConfirmPassword string
}

type LogoutAction struct{}

type UploadAction struct {
	Filename string
	Content  io.Reader
}

// TriggerCallsAction calls the borrowers of a category that have not been
// called yet, or only the listed ones when BorrowerIDs is set.
type TriggerCallsAction struct {
	CategoryKey string
	BorrowerIDs []domain.BorrowerID
}

type ResetCallsAction struct{}

type NavigateAction struct {
	View        domain.View
	CategoryKey string
	BorrowerID  domain.BorrowerID
}

type RefreshAction struct{}

func (LoginAction) actionName() string        { return "login" }
func (RegisterAction) actionName() string     { return "register" }
func (LogoutAction) actionName() string       { return "logout" }
func (UploadAction) actionName() string       { return "upload" }
func (TriggerCallsAction) actionName() string { return "trigger-calls" }
func (ResetCallsAction) actionName() string   { return "reset-calls" }
func (NavigateAction) actionName() string     { return "navigate" }
func (RefreshAction) actionName() string      { return "refresh" }

// Effect is a side effect the synchronizer performs, in order, for an action.
type Effect string

const (
	EffectAuthenticate  Effect = "authenticate"
	EffectRegister      Effect = "register"
	EffectRevokeRemote  Effect = "revoke-remote"
	EffectClearSession  Effect = "clear-session"
	EffectPurgeCache    Effect = "purge-cache"
	EffectFetchDataset  Effect = "fetch-dataset"
	EffectUploadDataset Effect = "upload-dataset"
	EffectResetRemote   Effect = "reset-remote"
	EffectTriggerCalls  Effect = "trigger-calls"
	EffectPersistView   Effect = "persist-view"
)

var uploadExtensions = map[string]bool{".xlsx": true, ".xls": true, ".csv": true}

// plan computes the view state an action leads to and the effects needed to
// get there. It touches neither network nor storage. The returned state is
// committed only after every effect succeeded.
func plan(current State, action Action) (State, []Effect, error) {
	next := current

	switch a := action.(type) {
	case LoginAction:
		if strings.TrimSpace(a.Username) == "" {
			return current, nil, domain.NewValidationError("username", "must not be empty")
		}
		if a.Password == "" {
			return current, nil, domain.NewValidationError("password", "must not be empty")
		}
		next.Authenticated = true
		next.Username = strings.TrimSpace(a.Username)
		next.View = domain.ViewDashboard
		next.CategoryKey = ""
		next.BorrowerID = ""
		return next, []Effect{EffectAuthenticate, EffectPurgeCache, EffectFetchDataset, EffectPersistView}, nil

	case RegisterAction:
		if strings.TrimSpace(a.Username) == "" {
			return current, nil, domain.NewValidationError("username", "must not be empty")
		}
		if a.Password == "" {
			return current, nil, domain.NewValidationError("password", "must not be empty")
		}
		if a.Password != a.ConfirmPassword {
			return current, nil, domain.NewValidationError("confirm_password", "passwords do not match")
		}
		return current, []Effect{EffectRegister}, nil

	case LogoutAction:
		next = loggedOutState()
		next.Loading = current.Loading
		next.Notice = current.Notice
		return next, []Effect{EffectRevokeRemote, EffectClearSession}, nil

	case UploadAction:
		if !current.Authenticated {
			return current, nil, domain.ErrNotAuthenticated
		}
		ext := strings.ToLower(filepath.Ext(a.Filename))
		if !uploadExtensions[ext] {
			return current, nil, domain.NewValidationError("file", "only .xlsx, .xls and .csv files are supported")
		}
		if a.Content == nil {
			return current, nil, domain.NewValidationError("file", "no file content")
		}
		return next, []Effect{EffectUploadDataset}, nil

	case TriggerCallsAction:
		if !current.Authenticated {
			return current, nil, domain.ErrNotAuthenticated
		}
		if !current.Dataset.HasCategory(a.CategoryKey) {
			return current, nil, domain.NewValidationError("category", "unknown category "+a.CategoryKey)
		}
		return next, []Effect{EffectTriggerCalls}, nil

	case ResetCallsAction:
		if !current.Authenticated {
			return current, nil, domain.ErrNotAuthenticated
		}
		return next, []Effect{EffectResetRemote, EffectPurgeCache, EffectFetchDataset}, nil

	case NavigateAction:
		if !current.Authenticated {
			return current, nil, domain.ErrNotAuthenticated
		}
		resolved, err := resolveNavigation(current, a)
		if err != nil {
			return current, nil, err
		}
		return resolved, []Effect{EffectPersistView}, nil

	case RefreshAction:
		if !current.Authenticated {
			return current, nil, domain.ErrNotAuthenticated
		}
		return next, []Effect{EffectFetchDataset}, nil
	}

	return current, nil, domain.NewValidationError("action", "unsupported action")
}

func resolveNavigation(current State, a NavigateAction) (State, error) {
	next := current
	switch a.View {
	case domain.ViewDashboard:
		next.View = domain.ViewDashboard
		next.CategoryKey = ""
		next.BorrowerID = ""

	case domain.ViewSummaryDetails:
		if a.CategoryKey == "" {
			return current, domain.NewValidationError("category", "a category is required")
		}
		if current.Dataset != nil && !current.Dataset.HasCategory(a.CategoryKey) {
			return current, domain.NewValidationError("category", "unknown category "+a.CategoryKey)
		}
		next.View = domain.ViewSummaryDetails
		next.CategoryKey = a.CategoryKey
		next.BorrowerID = ""

	case domain.ViewBorrowerDetails:
		if a.BorrowerID == "" {
			return current, domain.NewValidationError("borrower", "a borrower id is required")
		}
		category := a.CategoryKey
		if current.Dataset != nil {
			_, found, ok := current.Dataset.FindBorrower(a.BorrowerID)
			if !ok {
				return current, domain.NewValidationError("borrower", "unknown borrower "+string(a.BorrowerID))
			}
			if category == "" {
				category = found
			}
		}
		if category == "" {
			return current, domain.NewValidationError("category", "a category is required")
		}
		next.View = domain.ViewBorrowerDetails
		next.CategoryKey = category
		next.BorrowerID = a.BorrowerID

	default:
		return current, domain.NewValidationError("view", "cannot navigate to "+string(a.View))
	}
	return next, nil
}

// restoreView applies the fallbacks for a view read back from the session:
// detail views missing their keys degrade to the nearest valid parent.
func restoreView(session domain.Session) (domain.View, string, domain.BorrowerID) {
	category := session.CurrentPeriodKey
	borrower := domain.BorrowerID(session.CurrentBorrowerID)

	switch session.CurrentView {
	case domain.ViewSummaryDetails:
		if category != "" {
			return domain.ViewSummaryDetails, category, ""
		}
	case domain.ViewBorrowerDetails:
		if borrower != "" && category != "" {
			return domain.ViewBorrowerDetails, category, borrower
		}
		if category != "" {
			return domain.ViewSummaryDetails, category, ""
		}
	}
	return domain.ViewDashboard, "", ""
}
