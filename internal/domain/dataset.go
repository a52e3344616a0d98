/**
 * @description
 * The dataset returned by the data ingestion endpoint and kept in the durable
 * cache: KPI totals plus borrowers bucketed by due-date category.
 *
 * Wire format follows the backend (snake_case, spreadsheet column names for
 * borrower attributes). Columns this client does not model are preserved so a
 * cached dataset round-trips unchanged.
 */
package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Due-date category keys produced by the backend.
const (
	CategoryToday         = "Today"
	CategoryOneToSevenDay = "1-7_days"
	CategoryMoreThanSeven = "More_than_7_days"
)

var knownCategoryOrder = []string{CategoryToday, CategoryOneToSevenDay, CategoryMoreThanSeven}

// CategoryLabel returns a display label for a category key.
func CategoryLabel(key string) string {
	switch key {
	case CategoryToday:
		return "Due today"
	case CategoryOneToSevenDay:
		return "Due in 1-7 days"
	case CategoryMoreThanSeven:
		return "Due in more than 7 days"
	}
	return strings.ReplaceAll(key, "_", " ")
}

// BorrowerID identifies a borrower (the NO column). The backend may send it as a
// number or a string.
type BorrowerID string

func (id *BorrowerID) UnmarshalJSON(data []byte) error {
	text, err := decodeLoose(data)
	if err != nil {
		return err
	}
	*id = BorrowerID(text)
	return nil
}

// Matches compares identifiers loosely: "7", 7 and 7.0 are the same borrower.
func (id BorrowerID) Matches(other BorrowerID) bool {
	a := strings.TrimSpace(string(id))
	b := strings.TrimSpace(string(other))
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	return errA == nil && errB == nil && fa == fb
}

// CallStatus is the derived call state of a borrower.
type CallStatus string

const (
	CallYetToCall  CallStatus = "Yet to call"
	CallInProgress CallStatus = "In progress"
	CallSuccess    CallStatus = "Success"
)

// BorrowerRecord is one row of the uploaded sheet plus call progress.
type BorrowerRecord struct {
	NO                    BorrowerID       `json:"NO"`
	Cell1                 LooseString      `json:"cell1,omitempty"`
	PreferredLanguage     string           `json:"preferred_language,omitempty"`
	PaymentCategory       string           `json:"Payment_Category,omitempty"`
	DueDateCategory       string           `json:"Due_Date_Category,omitempty"`
	CallInProgress        bool             `json:"call_in_progress"`
	CallCompleted         bool             `json:"call_completed"`
	Transcript            []TranscriptLine `json:"transcript"`
	AISummary             string           `json:"ai_summary"`
	EmailToManagerPreview *EmailPreview    `json:"email_to_manager_preview,omitempty"`
	RequireManualProcess  bool             `json:"require_manual_process"`
	PaymentConfirmation   string           `json:"payment_confirmation,omitempty"`
	FollowUpDate          string           `json:"follow_up_date,omitempty"`
	CallFrequency         string           `json:"call_frequency,omitempty"`
	LastCallError         string           `json:"last_call_error,omitempty"`

	// Extra holds every other column of the row, untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

var borrowerKnownKeys = []string{
	"NO", "cell1", "preferred_language", "Payment_Category", "Due_Date_Category",
	"call_in_progress", "call_completed", "transcript", "ai_summary",
	"email_to_manager_preview", "require_manual_process", "payment_confirmation",
	"follow_up_date", "call_frequency", "last_call_error",
}

type borrowerAlias BorrowerRecord

func (r *BorrowerRecord) UnmarshalJSON(data []byte) error {
	var alias borrowerAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := splitExtras(data, borrowerKnownKeys)
	if err != nil {
		return err
	}
	alias.Extra = extra
	*r = BorrowerRecord(alias)
	return nil
}

func (r BorrowerRecord) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(borrowerAlias(r))
	if err != nil {
		return nil, err
	}
	return mergeExtras(encoded, r.Extra)
}

// Status derives the call state. A completed call stays Success even if a later
// attempt is in flight.
func (r BorrowerRecord) Status() CallStatus {
	switch {
	case r.CallCompleted:
		return CallSuccess
	case r.CallInProgress:
		return CallInProgress
	default:
		return CallYetToCall
	}
}

func (r BorrowerRecord) extraString(key string) string {
	raw, ok := r.Extra[key]
	if !ok {
		return ""
	}
	text, err := decodeLoose(raw)
	if err != nil {
		return ""
	}
	return text
}

// Name returns the BORROWER column.
func (r BorrowerRecord) Name() string {
	return r.extraString("BORROWER")
}

// ContactNumber returns cell1, falling back to the MOBILE column.
func (r BorrowerRecord) ContactNumber() string {
	if r.Cell1 != "" {
		return string(r.Cell1)
	}
	return r.extraString("MOBILE")
}

// Language returns the preferred call language, defaulting to en-IN.
func (r BorrowerRecord) Language() string {
	if r.PreferredLanguage != "" {
		return r.PreferredLanguage
	}
	if lang := r.extraString("LANGUAGE"); lang != "" {
		return lang
	}
	return "en-IN"
}

// Amount returns the AMOUNT column (arrears), 0 when absent or unparseable.
func (r BorrowerRecord) Amount() float64 {
	f, _ := rawFloat(r.Extra["AMOUNT"])
	return f
}

// EMI returns the EMI column, 0 when absent or unparseable.
func (r BorrowerRecord) EMI() float64 {
	f, _ := rawFloat(r.Extra["EMI"])
	return f
}

// KPIs are the headline numbers of the dashboard.
type KPIs struct {
	TotalBorrowers int     `json:"total_borrowers"`
	TotalArrears   float64 `json:"total_arrears"`

	Extra map[string]json.RawMessage `json:"-"`
}

type kpisAlias KPIs

func (k *KPIs) UnmarshalJSON(data []byte) error {
	var alias kpisAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := splitExtras(data, []string{"total_borrowers", "total_arrears"})
	if err != nil {
		return err
	}
	alias.Extra = extra
	*k = KPIs(alias)
	return nil
}

func (k KPIs) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(kpisAlias(k))
	if err != nil {
		return nil, err
	}
	return mergeExtras(encoded, k.Extra)
}

// DetailedBreakdown groups borrowers by due-date category.
type DetailedBreakdown struct {
	ByDueDateCategory map[string][]BorrowerRecord `json:"by_due_date_category"`
}

// CachedDataset is the last-known-good server response.
type CachedDataset struct {
	Status            string            `json:"status,omitempty"`
	KPIs              *KPIs             `json:"kpis,omitempty"`
	DetailedBreakdown DetailedBreakdown `json:"detailed_breakdown"`
	Uploaded          bool              `json:"uploaded,omitempty"`
	ProcessingTime    float64           `json:"processing_time,omitempty"`
}

// Valid reports whether the dataset is structurally usable; it must carry KPIs.
func (d *CachedDataset) Valid() bool {
	return d != nil && d.KPIs != nil
}

// CategoryKeys lists categories in urgency order, then any other keys sorted.
func (d *CachedDataset) CategoryKeys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.DetailedBreakdown.ByDueDateCategory))
	seen := map[string]bool{}
	for _, key := range knownCategoryOrder {
		if _, ok := d.DetailedBreakdown.ByDueDateCategory[key]; ok {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	var rest []string
	for key := range d.DetailedBreakdown.ByDueDateCategory {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// HasCategory reports whether key is present in the breakdown.
func (d *CachedDataset) HasCategory(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d.DetailedBreakdown.ByDueDateCategory[key]
	return ok
}

// Category returns the borrowers of one category.
func (d *CachedDataset) Category(key string) []BorrowerRecord {
	if d == nil {
		return nil
	}
	return d.DetailedBreakdown.ByDueDateCategory[key]
}

// FindBorrower returns a pointer into the dataset so callers can update the
// record in place, along with its category key.
func (d *CachedDataset) FindBorrower(id BorrowerID) (*BorrowerRecord, string, bool) {
	if d == nil {
		return nil, "", false
	}
	for _, key := range d.CategoryKeys() {
		records := d.DetailedBreakdown.ByDueDateCategory[key]
		for i := range records {
			if records[i].NO.Matches(id) {
				return &records[i], key, true
			}
		}
	}
	return nil, "", false
}

// ResetCallProgress clears call flags on every record. A freshly uploaded
// dataset has no call history.
func (d *CachedDataset) ResetCallProgress() {
	if d == nil {
		return
	}
	for key, records := range d.DetailedBreakdown.ByDueDateCategory {
		for i := range records {
			records[i].CallInProgress = false
			records[i].CallCompleted = false
		}
		d.DetailedBreakdown.ByDueDateCategory[key] = records
	}
}

// StatusCounts tallies call statuses within a category.
func (d *CachedDataset) StatusCounts(key string) map[CallStatus]int {
	counts := map[CallStatus]int{CallYetToCall: 0, CallInProgress: 0, CallSuccess: 0}
	for _, record := range d.Category(key) {
		counts[record.Status()]++
	}
	return counts
}

// Clone deep-copies the dataset through its JSON form.
func (d *CachedDataset) Clone() (*CachedDataset, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out CachedDataset
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
