package domain

// TranscriptLine is one utterance of a call.
type TranscriptLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// EmailPreview is the escalation mail drafted by the backend for an area manager.
type EmailPreview struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// CallTarget is one borrower in a bulk call request.
type CallTarget struct {
	NO                string `json:"NO"`
	Cell1             string `json:"cell1"`
	PreferredLanguage string `json:"preferred_language"`
}

// BulkCallRequest is the body of POST /ai_calling/trigger_calls.
type BulkCallRequest struct {
	Borrowers    []CallTarget `json:"borrowers"`
	UseDummyData bool         `json:"use_dummy_data"`
}

// AIAnalysis carries the fields of the backend's call analysis this client reads.
type AIAnalysis struct {
	Summary string `json:"summary"`
}

// CallResult is the outcome of one call in a bulk request.
type CallResult struct {
	Success               bool             `json:"success"`
	BorrowerID            BorrowerID       `json:"borrower_id"`
	CallUUID              string           `json:"call_uuid,omitempty"`
	Status                string           `json:"status,omitempty"`
	Conversation          []TranscriptLine `json:"conversation,omitempty"`
	NextStepSummary       string           `json:"next_step_summary,omitempty"`
	AIAnalysis            *AIAnalysis      `json:"ai_analysis,omitempty"`
	EmailToManagerPreview *EmailPreview    `json:"email_to_manager_preview,omitempty"`
	RequireManualProcess  bool             `json:"require_manual_process"`
	MidCall               bool             `json:"mid_call"`
	PaymentConfirmation   string           `json:"payment_confirmation,omitempty"`
	FollowUpDate          string           `json:"follow_up_date,omitempty"`
	CallFrequency         string           `json:"call_frequency,omitempty"`
	Error                 string           `json:"error,omitempty"`
}

// Summary prefers the next-step summary and falls back to the analysis summary.
func (r CallResult) Summary() string {
	if r.NextStepSummary != "" {
		return r.NextStepSummary
	}
	if r.AIAnalysis != nil {
		return r.AIAnalysis.Summary
	}
	return ""
}

// BulkCallResponse is the response of POST /ai_calling/trigger_calls.
type BulkCallResponse struct {
	TotalRequests   int          `json:"total_requests"`
	SuccessfulCalls int          `json:"successful_calls"`
	FailedCalls     int          `json:"failed_calls"`
	Results         []CallResult `json:"results"`
	Mode            string       `json:"mode,omitempty"`
}

// CallSession is a stored call from GET /ai_calling/sessions/{loan_no}.
type CallSession struct {
	CallUUID     string           `json:"call_uuid"`
	LoanNo       BorrowerID       `json:"loan_no"`
	Status       string           `json:"status,omitempty"`
	IsDummy      bool             `json:"is_dummy"`
	Conversation []TranscriptLine `json:"conversation,omitempty"`
	AIAnalysis   *AIAnalysis      `json:"ai_analysis,omitempty"`
	CreatedAt    string           `json:"created_at,omitempty"`
}
