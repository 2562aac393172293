// Package providertest provides a scriptable in-memory provider.Adapter.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
)

// Adapter records every call and answers from a script. Each job walks
// through the status script one poll at a time; the last entry repeats.
type Adapter struct {
	id string

	mu            sync.Mutex
	submitErrs    []error
	statusScript  []provider.StatusResult
	statusErrs    []error
	cancelOK      bool
	cancelErr     error
	uploadDelay   time.Duration
	credits       int64
	jobs          map[string]*job
	submits       int
	uploads       int
	cancels       int
	lastParams    provider.WireParams
	submitAccount []string
}

type job struct {
	params provider.WireParams
	polls  int
}

// New returns an adapter whose jobs complete on the first poll.
func New(id string) *Adapter {
	return &Adapter{
		id:       id,
		jobs:     make(map[string]*job),
		cancelOK: true,
		statusScript: []provider.StatusResult{
			Completed("https://provider.test/" + id + "/result.mp4"),
		},
	}
}

// Completed is a terminal success pointing at url.
func Completed(url string) provider.StatusResult {
	return provider.StatusResult{
		State:  provider.JobCompleted,
		Result: &provider.ResultRef{URL: url, ProviderAssetID: "remote-" + url, MimeType: "video/mp4", DurationSeconds: 5},
	}
}

// Processing is a non-terminal poll answer.
func Processing() provider.StatusResult {
	return provider.StatusResult{State: provider.JobProcessing}
}

// Failed is a terminal failure.
func Failed(msg string, transient bool) provider.StatusResult {
	return provider.StatusResult{State: provider.JobFailed, Error: msg, Transient: transient}
}

// FailSubmits makes the next Submit calls return errs in order; a nil entry
// lets that call succeed.
func (a *Adapter) FailSubmits(errs ...error) {
	a.mu.Lock()
	a.submitErrs = append(a.submitErrs, errs...)
	a.mu.Unlock()
}

// Script sets the status sequence used by every job.
func (a *Adapter) Script(results ...provider.StatusResult) {
	a.mu.Lock()
	a.statusScript = results
	a.mu.Unlock()
}

// FailPolls makes the next CheckStatus calls return errs in order.
func (a *Adapter) FailPolls(errs ...error) {
	a.mu.Lock()
	a.statusErrs = append(a.statusErrs, errs...)
	a.mu.Unlock()
}

// SetCancel controls what Cancel answers.
func (a *Adapter) SetCancel(ok bool, err error) {
	a.mu.Lock()
	a.cancelOK, a.cancelErr = ok, err
	a.mu.Unlock()
}

// SetUploadDelay makes UploadAsset block for d, to widen race windows.
func (a *Adapter) SetUploadDelay(d time.Duration) {
	a.mu.Lock()
	a.uploadDelay = d
	a.mu.Unlock()
}

// SetCredits makes the adapter a provider.CreditEstimator charging n per request.
func (a *Adapter) SetCredits(n int64) {
	a.mu.Lock()
	a.credits = n
	a.mu.Unlock()
}

func (a *Adapter) SubmitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submits
}

func (a *Adapter) UploadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploads
}

func (a *Adapter) CancelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancels
}

// SubmitAccounts lists the account id used by every successful Submit.
func (a *Adapter) SubmitAccounts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submitAccount...)
}

func (a *Adapter) LastParams() provider.WireParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastParams
}

func (a *Adapter) ID() string { return a.id }

// MapParameters passes canonical keys through, dropping keys that start with "x_".
func (a *Adapter) MapParameters(op models.OperationType, canonical map[string]any, inputs []string) (provider.WireParams, error) {
	body := map[string]any{"op": string(op)}
	var dropped []string
	for k, v := range canonical {
		if len(k) > 2 && k[:2] == "x_" {
			dropped = append(dropped, k)
			continue
		}
		body[k] = v
	}
	if len(inputs) > 0 {
		body["inputs"] = append([]string(nil), inputs...)
	}
	return provider.WireParams{Body: body, Dropped: dropped}, nil
}

func (a *Adapter) Submit(ctx context.Context, acct models.ProviderAccount, params provider.WireParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", provider.Timeout(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.submitErrs) > 0 {
		err := a.submitErrs[0]
		a.submitErrs = a.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	a.submits++
	a.lastParams = params
	a.submitAccount = append(a.submitAccount, acct.ID)
	id := fmt.Sprintf("%s-job-%d", a.id, a.submits)
	a.jobs[id] = &job{params: params}
	return id, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, _ models.ProviderAccount, jobID string) (provider.StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.StatusResult{}, provider.Timeout(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.statusErrs) > 0 {
		err := a.statusErrs[0]
		a.statusErrs = a.statusErrs[1:]
		if err != nil {
			return provider.StatusResult{}, err
		}
	}
	j, ok := a.jobs[jobID]
	if !ok {
		return provider.StatusResult{}, provider.Rejected(fmt.Errorf("unknown job %s", jobID))
	}
	idx := j.polls
	if idx >= len(a.statusScript) {
		idx = len(a.statusScript) - 1
	}
	j.polls++
	return a.statusScript[idx], nil
}

func (a *Adapter) Cancel(_ context.Context, _ models.ProviderAccount, _ string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	return a.cancelOK, a.cancelErr
}

func (a *Adapter) UploadAsset(ctx context.Context, _ models.ProviderAccount, localPath, _ string) (string, error) {
	a.mu.Lock()
	delay := a.uploadDelay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", provider.Timeout(ctx.Err())
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads++
	return fmt.Sprintf("%s-upload-%d", a.id, a.uploads), nil
}

func (a *Adapter) EstimateCredits(models.OperationType, map[string]any) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credits
}

var _ provider.Adapter = (*Adapter)(nil)
