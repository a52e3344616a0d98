/**
 * @description
 * View models for the console screens. A view is built from a State snapshot
 * and carries only what that screen displays.
 */
package render

import (
	"fmt"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/app"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

type LoggedOutView struct {
	View    domain.View `json:"view" yaml:"view"`
	Message string      `json:"message" yaml:"message"`
}

type CategorySummary struct {
	Key        string `json:"key" yaml:"key"`
	Label      string `json:"label" yaml:"label"`
	Borrowers  int    `json:"borrowers" yaml:"borrowers"`
	YetToCall  int    `json:"yet_to_call" yaml:"yet_to_call"`
	InProgress int    `json:"in_progress" yaml:"in_progress"`
	Completed  int    `json:"completed" yaml:"completed"`
}

type DashboardView struct {
	View           domain.View       `json:"view" yaml:"view"`
	Username       string            `json:"username,omitempty" yaml:"username,omitempty"`
	Loaded         bool              `json:"loaded" yaml:"loaded"`
	TotalBorrowers int               `json:"total_borrowers" yaml:"total_borrowers"`
	TotalArrears   float64           `json:"total_arrears" yaml:"total_arrears"`
	Categories     []CategorySummary `json:"categories" yaml:"categories"`
}

type BorrowerRow struct {
	ID              domain.BorrowerID `json:"id" yaml:"id"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Contact         string            `json:"contact,omitempty" yaml:"contact,omitempty"`
	Language        string            `json:"language" yaml:"language"`
	Amount          float64           `json:"amount" yaml:"amount"`
	EMI             float64           `json:"emi" yaml:"emi"`
	PaymentCategory string            `json:"payment_category,omitempty" yaml:"payment_category,omitempty"`
	Status          domain.CallStatus `json:"status" yaml:"status"`
	Summary         string            `json:"summary,omitempty" yaml:"summary,omitempty"`
}

type SummaryDetailsView struct {
	View        domain.View     `json:"view" yaml:"view"`
	CategoryKey string          `json:"category_key" yaml:"category_key"`
	Label       string          `json:"label" yaml:"label"`
	Counts      CategorySummary `json:"counts" yaml:"counts"`
	Borrowers   []BorrowerRow   `json:"borrowers" yaml:"borrowers"`
}

type BorrowerDetailsView struct {
	View                 domain.View             `json:"view" yaml:"view"`
	CategoryKey          string                  `json:"category_key" yaml:"category_key"`
	Borrower             BorrowerRow             `json:"borrower" yaml:"borrower"`
	Transcript           []domain.TranscriptLine `json:"transcript" yaml:"transcript"`
	RequireManualProcess bool                    `json:"require_manual_process" yaml:"require_manual_process"`
	Email                *domain.EmailPreview    `json:"email_to_manager_preview,omitempty" yaml:"email_to_manager_preview,omitempty"`
	PaymentConfirmation  string                  `json:"payment_confirmation,omitempty" yaml:"payment_confirmation,omitempty"`
	FollowUpDate         string                  `json:"follow_up_date,omitempty" yaml:"follow_up_date,omitempty"`
	CallFrequency        string                  `json:"call_frequency,omitempty" yaml:"call_frequency,omitempty"`
	LastCallError        string                  `json:"last_call_error,omitempty" yaml:"last_call_error,omitempty"`
}

// Current builds the view the state points at.
func Current(state app.State) (any, error) {
	switch state.View {
	case domain.ViewDashboard:
		return Dashboard(state), nil
	case domain.ViewSummaryDetails:
		return SummaryDetails(state.Dataset, state.CategoryKey)
	case domain.ViewBorrowerDetails:
		return BorrowerDetails(state.Dataset, state.BorrowerID)
	default:
		return LoggedOutView{View: domain.ViewLoggedOut, Message: "Please log in to continue."}, nil
	}
}

func Dashboard(state app.State) DashboardView {
	view := DashboardView{View: domain.ViewDashboard, Username: state.Username, Categories: []CategorySummary{}}
	dataset := state.Dataset
	if !dataset.Valid() {
		return view
	}
	view.Loaded = true
	view.TotalBorrowers = dataset.KPIs.TotalBorrowers
	view.TotalArrears = dataset.KPIs.TotalArrears
	for _, key := range dataset.CategoryKeys() {
		view.Categories = append(view.Categories, summarize(dataset, key))
	}
	return view
}

func SummaryDetails(dataset *domain.CachedDataset, key string) (SummaryDetailsView, error) {
	if !dataset.HasCategory(key) {
		return SummaryDetailsView{}, fmt.Errorf("category %q is not in the dataset", key)
	}
	view := SummaryDetailsView{
		View:        domain.ViewSummaryDetails,
		CategoryKey: key,
		Label:       domain.CategoryLabel(key),
		Counts:      summarize(dataset, key),
		Borrowers:   []BorrowerRow{},
	}
	for _, record := range dataset.Category(key) {
		view.Borrowers = append(view.Borrowers, row(record))
	}
	return view, nil
}

func BorrowerDetails(dataset *domain.CachedDataset, id domain.BorrowerID) (BorrowerDetailsView, error) {
	record, key, ok := dataset.FindBorrower(id)
	if !ok {
		return BorrowerDetailsView{}, fmt.Errorf("borrower %q is not in the dataset", id)
	}
	return Borrower(*record, key), nil
}

// Borrower builds the details view of a single record, such as one fetched
// live from the server rather than found in the dataset.
func Borrower(record domain.BorrowerRecord, categoryKey string) BorrowerDetailsView {
	if categoryKey == "" {
		categoryKey = record.DueDateCategory
	}
	transcript := record.Transcript
	if transcript == nil {
		transcript = []domain.TranscriptLine{}
	}
	return BorrowerDetailsView{
		View:                 domain.ViewBorrowerDetails,
		CategoryKey:          categoryKey,
		Borrower:             row(record),
		Transcript:           transcript,
		RequireManualProcess: record.RequireManualProcess,
		Email:                record.EmailToManagerPreview,
		PaymentConfirmation:  record.PaymentConfirmation,
		FollowUpDate:         record.FollowUpDate,
		CallFrequency:        record.CallFrequency,
		LastCallError:        record.LastCallError,
	}
}

func summarize(dataset *domain.CachedDataset, key string) CategorySummary {
	counts := dataset.StatusCounts(key)
	return CategorySummary{
		Key:        key,
		Label:      domain.CategoryLabel(key),
		Borrowers:  len(dataset.Category(key)),
		YetToCall:  counts[domain.CallYetToCall],
		InProgress: counts[domain.CallInProgress],
		Completed:  counts[domain.CallSuccess],
	}
}

func row(record domain.BorrowerRecord) BorrowerRow {
	return BorrowerRow{
		ID:              record.NO,
		Name:            record.Name(),
		Contact:         record.ContactNumber(),
		Language:        record.Language(),
		Amount:          record.Amount(),
		EMI:             record.EMI(),
		PaymentCategory: record.PaymentCategory,
		Status:          record.Status(),
		Summary:         record.AISummary,
	}
}
