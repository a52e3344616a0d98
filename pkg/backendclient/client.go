/**
 * @description
 * Client for the authenticated backend endpoints: data ingestion and AI calling.
 * Every call is sent through the request gateway, which owns the bearer token
 * and its renewal.
 */
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/authclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/gateway"
)

// Doer sends an authenticated request. *gateway.Gateway implements it.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (*http.Response, error)
}

// ResetResult is the response of POST /ai_calling/reset_calls.
type ResetResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// VerifyResult is the response of GET /auth/verify.
type VerifyResult = authclient.VerifyResult

// Client provides methods to interact with the backend.
type Client struct {
	baseURL string
	doer    Doer
}

// NewClient creates a new backend client.
func NewClient(baseURL string, doer Doer) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		doer:    doer,
	}
}

// FetchDataset returns the current dataset without uploading anything.
func (c *Client) FetchDataset(ctx context.Context) (*domain.CachedDataset, error) {
	var dataset domain.CachedDataset
	if err := c.doJSON(ctx, http.MethodPost, "/data_ingestion/data", nil, &dataset); err != nil {
		return nil, err
	}
	return &dataset, nil
}

// UploadDataset uploads a spreadsheet and returns the resulting dataset.
func (c *Client) UploadDataset(ctx context.Context, filename string, content io.Reader) (*domain.CachedDataset, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.send(ctx, http.MethodPost, "/data_ingestion/data", header, buf.Bytes())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dataset domain.CachedDataset
	if err := decode(resp, &dataset); err != nil {
		return nil, err
	}
	return &dataset, nil
}

// TriggerCalls starts calls for the given borrowers.
func (c *Client) TriggerCalls(ctx context.Context, req domain.BulkCallRequest) (*domain.BulkCallResponse, error) {
	var result domain.BulkCallResponse
	if err := c.doJSON(ctx, http.MethodPost, "/ai_calling/trigger_calls", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResetCalls clears call progress for every borrower of the user.
func (c *Client) ResetCalls(ctx context.Context) (*ResetResult, error) {
	var result ResetResult
	if err := c.doJSON(ctx, http.MethodPost, "/ai_calling/reset_calls", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBorrower fetches one borrower by NO.
func (c *Client) GetBorrower(ctx context.Context, id domain.BorrowerID) (*domain.BorrowerRecord, error) {
	var record domain.BorrowerRecord
	path := "/data_ingestion/borrowers/" + url.PathEscape(string(id))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListCallSessions returns the stored calls for a loan number.
func (c *Client) ListCallSessions(ctx context.Context, id domain.BorrowerID) ([]domain.CallSession, error) {
	var sessions []domain.CallSession
	path := "/ai_calling/sessions/" + url.PathEscape(string(id))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ExportCSV streams the borrower export into w.
func (c *Client) ExportCSV(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/data_ingestion/export/csv", nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := authclient.CheckResponse(resp); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to write export: %w", err)
	}
	return n, nil
}

// Verify checks the current session with the backend.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.doJSON(ctx, http.MethodGet, "/auth/verify", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, target any) error {
	var payload []byte
	header := http.Header{}
	header.Set("Accept", "application/json")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(ctx, method, path, header, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp, target)
}

func (c *Client) send(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("backend base URL is not configured")
	}
	// Errors from the gateway, AuthenticationFailed included, pass through untouched.
	return c.doer.Do(ctx, gateway.Request{Method: method, URL: c.baseURL + path, Header: header, Body: body})
}

func decode(resp *http.Response, target any) error {
	if err := authclient.CheckResponse(resp); err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
