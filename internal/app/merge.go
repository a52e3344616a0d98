package app

import (
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/notify"
)

// selectTargets returns the borrowers of a category that can be called: not
// completed and not already in progress. With ids set, only those borrowers are
// considered.
func selectTargets(dataset *domain.CachedDataset, categoryKey string, ids []domain.BorrowerID) []domain.BorrowerRecord {
	var targets []domain.BorrowerRecord
	for _, record := range dataset.Category(categoryKey) {
		if record.CallCompleted || record.CallInProgress {
			continue
		}
		if len(ids) > 0 && !containsID(ids, record.NO) {
			continue
		}
		targets = append(targets, record)
	}
	return targets
}

func containsID(ids []domain.BorrowerID, id domain.BorrowerID) bool {
	for _, candidate := range ids {
		if candidate.Matches(id) {
			return true
		}
	}
	return false
}

func callRequest(targets []domain.BorrowerRecord, useDummyData bool) domain.BulkCallRequest {
	req := domain.BulkCallRequest{UseDummyData: useDummyData}
	for _, record := range targets {
		req.Borrowers = append(req.Borrowers, domain.CallTarget{
			NO:                string(record.NO),
			Cell1:             record.ContactNumber(),
			PreferredLanguage: record.Language(),
		})
	}
	return req
}

// setInProgress flags targets in dataset, which must be a private clone.
func setInProgress(dataset *domain.CachedDataset, targets []domain.BorrowerRecord, inProgress bool) {
	for _, target := range targets {
		if record, _, ok := dataset.FindBorrower(target.NO); ok && !record.CallCompleted {
			record.CallInProgress = inProgress
		}
	}
}

// mergeCallResults applies call results to dataset, which must be a private
// clone. Targets without a result stop being in progress. It returns the
// escalations the results ask for.
func mergeCallResults(dataset *domain.CachedDataset, targets []domain.BorrowerRecord, results []domain.CallResult) []notify.Escalation {
	setInProgress(dataset, targets, false)

	var escalations []notify.Escalation
	for _, result := range results {
		record, category, ok := dataset.FindBorrower(result.BorrowerID)
		if !ok {
			continue
		}
		record.CallInProgress = false

		if !result.Success {
			record.LastCallError = result.Error
			if record.LastCallError == "" {
				record.LastCallError = "call failed"
			}
			continue
		}

		record.CallCompleted = true
		record.LastCallError = ""
		record.Transcript = append([]domain.TranscriptLine(nil), result.Conversation...)
		record.AISummary = result.Summary()
		record.RequireManualProcess = result.RequireManualProcess
		if result.EmailToManagerPreview != nil {
			preview := *result.EmailToManagerPreview
			record.EmailToManagerPreview = &preview
		}
		if result.PaymentConfirmation != "" {
			record.PaymentConfirmation = result.PaymentConfirmation
		}
		if result.FollowUpDate != "" {
			record.FollowUpDate = result.FollowUpDate
		}
		if result.CallFrequency != "" {
			record.CallFrequency = result.CallFrequency
		}

		if result.RequireManualProcess {
			escalations = append(escalations, notify.Escalation{
				BorrowerID:   record.NO,
				BorrowerName: record.Name(),
				Category:     category,
				Summary:      record.AISummary,
				Email:        record.EmailToManagerPreview,
			})
		}
	}
	return escalations
}
