// Package restvideo is the reference Adapter for a JSON-over-HTTP video
// generation service.
//
//	POST /v1/generations            submit, returns {"id"}
//	GET  /v1/generations/{id}       status
//	POST /v1/generations/{id}/cancel
//	POST /v1/uploads                multipart "file", returns {"id"}
package restvideo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
)

// Config describes one deployment of the service.
type Config struct {
	ID               string
	BaseURL          string
	RatePerSecond    float64
	Burst            int
	SupportsCancel   bool
	CreditsPerSecond int64
	HTTPClient       *http.Client
}

// Adapter talks to one provider. Calls are paced per account because the
// service rate limits by API key.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config) (*Adapter, error) {
	if cfg.ID == "" {
		return nil, errors.New("restvideo: provider id is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("restvideo %s: base url: %w", cfg.ID, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Adapter{cfg: cfg, client: client, limiters: make(map[string]*rate.Limiter)}, nil
}

func (a *Adapter) ID() string { return a.cfg.ID }

func (a *Adapter) limiter(accountID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(a.cfg.RatePerSecond), a.cfg.Burst)
		a.limiters[accountID] = l
	}
	return l
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output *struct {
		URL      string  `json:"url"`
		AssetID  string  `json:"asset_id"`
		MimeType string  `json:"mime_type"`
		Duration float64 `json:"duration"`
	} `json:"output"`
	Error *struct {
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (a *Adapter) Submit(ctx context.Context, acct models.ProviderAccount, params provider.WireParams) (string, error) {
	body, err := json.Marshal(params.Body)
	if err != nil {
		return "", provider.Rejected(fmt.Errorf("encode request: %w", err))
	}
	var out submitResponse
	if err := a.do(ctx, acct, http.MethodPost, "/v1/generations", "application/json", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", provider.Unavailable(errors.New("submit response carried no job id"))
	}
	return out.ID, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, acct models.ProviderAccount, jobID string) (provider.StatusResult, error) {
	var out statusResponse
	if err := a.do(ctx, acct, http.MethodGet, "/v1/generations/"+url.PathEscape(jobID), "", nil, &out); err != nil {
		return provider.StatusResult{}, err
	}
	res := provider.StatusResult{State: mapState(out.Status)}
	switch res.State {
	case provider.JobCompleted:
		if out.Output == nil || out.Output.URL == "" {
			return provider.StatusResult{State: provider.JobFailed, Error: "completed without output", Transient: true}, nil
		}
		res.Result = &provider.ResultRef{
			URL:             out.Output.URL,
			ProviderAssetID: out.Output.AssetID,
			MimeType:        out.Output.MimeType,
			DurationSeconds: out.Output.Duration,
		}
	case provider.JobFailed:
		if out.Error != nil {
			res.Error = out.Error.Message
			res.Transient = out.Error.Retryable
		}
		if res.Error == "" {
			res.Error = "provider reported failure"
		}
	}
	return res, nil
}

func (a *Adapter) Cancel(ctx context.Context, acct models.ProviderAccount, jobID string) (bool, error) {
	if !a.cfg.SupportsCancel {
		return false, nil
	}
	err := a.do(ctx, acct, http.MethodPost, "/v1/generations/"+url.PathEscape(jobID)+"/cancel", "", nil, nil)
	if err == nil {
		return true, nil
	}
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusConflict) {
		return false, nil
	}
	return false, err
}

func (a *Adapter) UploadAsset(ctx context.Context, acct models.ProviderAccount, localPath, mimeType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if mimeType != "" {
		_ = mw.WriteField("mime_type", mimeType)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out submitResponse
	if err := a.do(ctx, acct, http.MethodPost, "/v1/uploads", mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", provider.Unavailable(errors.New("upload response carried no id"))
	}
	return out.ID, nil
}

// EstimateCredits charges per second of requested output.
func (a *Adapter) EstimateCredits(op models.OperationType, canonical map[string]any) int64 {
	if a.cfg.CreditsPerSecond <= 0 || op == models.OpTextToImage {
		return 0
	}
	secs := int64(defaultDuration)
	if d, ok := number(canonical["duration_seconds"]); ok && d > 0 {
		secs = int64(d + 0.999)
	}
	return secs * a.cfg.CreditsPerSecond
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (a *Adapter) do(ctx context.Context, acct models.ProviderAccount, method, path, contentType string, body io.Reader, out any) error {
	if err := a.limiter(acct.ID).Wait(ctx); err != nil {
		return provider.Timeout(fmt.Errorf("rate limiter: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return provider.Rejected(err)
	}
	req.Header.Set("Authorization", "Bearer "+acct.Credential)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return provider.Timeout(err)
		}
		return provider.Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		return classify(se)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return provider.Unavailable(fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return nil
}

// classify maps HTTP status codes onto the provider error taxonomy. Auth,
// payment and throttling problems belong to the account, not the request, so
// they are retried (possibly on another account).
func classify(se *statusError) error {
	switch {
	case se.code == http.StatusUnauthorized, se.code == http.StatusPaymentRequired,
		se.code == http.StatusTooManyRequests, se.code == http.StatusRequestTimeout:
		return provider.Unavailable(se)
	case se.code >= 400 && se.code < 500:
		return provider.Rejected(se)
	default:
		return provider.Unavailable(se)
	}
}

func mapState(s string) provider.JobState {
	switch strings.ToLower(s) {
	case "running", "processing", "in_progress", "started":
		return provider.JobProcessing
	case "succeeded", "success", "completed", "done":
		return provider.JobCompleted
	case "failed", "error", "cancelled", "canceled", "timed_out":
		return provider.JobFailed
	default:
		return provider.JobQueued
	}
}

var _ provider.Adapter = (*Adapter)(nil)
var _ provider.CreditEstimator = (*Adapter)(nil)
