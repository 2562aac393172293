package restvideo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
)

func newAdapter(t *testing.T, handler http.Handler, supportsCancel bool) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := New(Config{ID: "vidgen", BaseURL: srv.URL, RatePerSecond: 100, Burst: 10, SupportsCancel: supportsCancel, CreditsPerSecond: 2})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

var acct = models.ProviderAccount{ID: "acct-1", ProviderID: "vidgen", Credential: "secret"}

func TestMapParametersDropsUnknownFields(t *testing.T) {
	a, _ := New(Config{ID: "vidgen", BaseURL: "http://example.invalid"})
	wire, err := a.MapParameters(models.OpImageToVideo, map[string]any{
		"prompt":       "a cat",
		"aspect_ratio": "16:9",
		"lens":         "fisheye",
		"mood":         "calm",
	}, []string{"p-img-1"})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if wire.Body["ratio"] != "16:9" || wire.Body["image_id"] != "p-img-1" || wire.Body["mode"] != "i2v" {
		t.Fatalf("unexpected body %v", wire.Body)
	}
	if wire.Body["duration"] != defaultDuration {
		t.Fatalf("expected default duration, got %v", wire.Body["duration"])
	}
	if len(wire.Dropped) != 2 || wire.Dropped[0] != "lens" || wire.Dropped[1] != "mood" {
		t.Fatalf("expected lens and mood dropped, got %v", wire.Dropped)
	}
	if _, ok := wire.Body["lens"]; ok {
		t.Fatalf("unknown field leaked into body")
	}
}

func TestMapParametersRejectsInvalidValues(t *testing.T) {
	a, _ := New(Config{ID: "vidgen", BaseURL: "http://example.invalid"})
	cases := []map[string]any{
		{"prompt": "x", "duration_seconds": int64(90)},
		{"prompt": "x", "aspect_ratio": "7:3"},
	}
	for _, c := range cases {
		_, err := a.MapParameters(models.OpTextToVideo, c, nil)
		if provider.KindOf(err) != models.ErrKindProviderRejected {
			t.Fatalf("expected rejection for %v, got %v", c, err)
		}
	}
	if _, err := a.MapParameters(models.OpTransition, map[string]any{}, []string{"only-one"}); provider.KindOf(err) != models.ErrKindProviderRejected {
		t.Fatalf("expected rejection for missing inputs, got %v", err)
	}
}

func TestSubmitSendsBodyAndCredential(t *testing.T) {
	var got map[string]any
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/generations" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-42"})
	}), false)

	id, err := a.Submit(context.Background(), acct, provider.WireParams{Body: map[string]any{"prompt": "a cat"}})
	if err != nil || id != "job-42" {
		t.Fatalf("submit: id=%q err=%v", id, err)
	}
	if got["prompt"] != "a cat" {
		t.Fatalf("body not forwarded: %v", got)
	}
}

func TestSubmitClassifiesFailures(t *testing.T) {
	cases := []struct {
		code int
		want models.ErrorKind
	}{
		{http.StatusBadRequest, models.ErrKindProviderRejected},
		{http.StatusUnprocessableEntity, models.ErrKindProviderRejected},
		{http.StatusTooManyRequests, models.ErrKindProviderUnavailable},
		{http.StatusPaymentRequired, models.ErrKindProviderUnavailable},
		{http.StatusBadGateway, models.ErrKindProviderUnavailable},
	}
	for _, tc := range cases {
		a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}), false)
		_, err := a.Submit(context.Background(), acct, provider.WireParams{Body: map[string]any{}})
		if got := provider.KindOf(err); got != tc.want {
			t.Fatalf("status %d: want %s got %s (%v)", tc.code, tc.want, got, err)
		}
	}
}

func TestCheckStatusStates(t *testing.T) {
	replies := map[string]string{
		"q":    `{"id":"q","status":"pending"}`,
		"run":  `{"id":"run","status":"running"}`,
		"ok":   `{"id":"ok","status":"succeeded","output":{"url":"https://cdn/x.mp4","asset_id":"pa-1","mime_type":"video/mp4","duration":5}}`,
		"bad":  `{"id":"bad","status":"failed","error":{"message":"nsfw","retryable":false}}`,
		"blip": `{"id":"blip","status":"error","error":{"message":"gpu lost","retryable":true}}`,
	}
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := filepath.Base(r.URL.Path)
		body, ok := replies[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}), false)
	ctx := context.Background()

	res, _ := a.CheckStatus(ctx, acct, "q")
	if res.State != provider.JobQueued {
		t.Fatalf("want queued got %s", res.State)
	}
	res, _ = a.CheckStatus(ctx, acct, "run")
	if res.State != provider.JobProcessing {
		t.Fatalf("want processing got %s", res.State)
	}
	res, _ = a.CheckStatus(ctx, acct, "ok")
	if res.State != provider.JobCompleted || res.Result == nil || res.Result.URL != "https://cdn/x.mp4" || res.Result.ProviderAssetID != "pa-1" {
		t.Fatalf("unexpected completed result %+v", res)
	}
	res, _ = a.CheckStatus(ctx, acct, "bad")
	if res.State != provider.JobFailed || res.Transient || res.Error != "nsfw" {
		t.Fatalf("unexpected failed result %+v", res)
	}
	res, _ = a.CheckStatus(ctx, acct, "blip")
	if res.State != provider.JobFailed || !res.Transient {
		t.Fatalf("expected transient failure %+v", res)
	}
}

func TestCancel(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if filepath.Base(filepath.Dir(r.URL.Path)) == "gone" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	unsupported := newAdapter(t, handler, false)
	ok, err := unsupported.Cancel(ctx, acct, "job-1")
	if ok || err != nil || calls != 0 {
		t.Fatalf("unsupported cancel must return false without a call: ok=%v err=%v calls=%d", ok, err, calls)
	}

	supported := newAdapter(t, handler, true)
	if ok, err := supported.Cancel(ctx, acct, "job-1"); !ok || err != nil {
		t.Fatalf("expected cancel to succeed: ok=%v err=%v", ok, err)
	}
	if ok, err := supported.Cancel(ctx, acct, "gone"); ok || err != nil {
		t.Fatalf("unknown job cancel should be false without error: ok=%v err=%v", ok, err)
	}
}

func TestUploadAsset(t *testing.T) {
	var gotName, gotContent string
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotName, gotContent = hdr.Filename, string(b)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "up-7"})
	}), false)

	path := filepath.Join(t.TempDir(), "frame.png")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	id, err := a.UploadAsset(context.Background(), acct, path, "image/png")
	if err != nil || id != "up-7" {
		t.Fatalf("upload: id=%q err=%v", id, err)
	}
	if gotName != "frame.png" || gotContent != "pixels" {
		t.Fatalf("unexpected upload %q %q", gotName, gotContent)
	}

	_, err = a.UploadAsset(context.Background(), acct, filepath.Join(t.TempDir(), "missing"), "")
	if err == nil || errors.Is(err, os.ErrExist) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestEstimateCredits(t *testing.T) {
	a, _ := New(Config{ID: "vidgen", BaseURL: "http://example.invalid", CreditsPerSecond: 3})
	if got := a.EstimateCredits(models.OpTextToVideo, map[string]any{"duration_seconds": int64(4)}); got != 12 {
		t.Fatalf("want 12 got %d", got)
	}
	if got := a.EstimateCredits(models.OpTextToVideo, map[string]any{}); got != 15 {
		t.Fatalf("default duration: want 15 got %d", got)
	}
	if got := provider.RequiredCredits(a, models.OpTextToImage, nil); got != 0 {
		t.Fatalf("images are free, got %d", got)
	}
}
