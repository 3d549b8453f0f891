package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

// RemoteCore speaks to a serve daemon over its HTTP API.
type RemoteCore struct {
	baseURL string
	client  *http.Client
}

func NewRemoteCore(baseURL string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteCore) Shutdown() error { return nil }

func (r *RemoteCore) StartRun(ctx context.Context, req RunRequest) (RunSnapshot, error) {
	var response struct {
		Run RunSnapshot `json:"run"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/runs", nil, req, &response); err != nil {
		return RunSnapshot{}, err
	}
	return response.Run, nil
}

func (r *RemoteCore) RunSnapshot(ctx context.Context, runID string) (RunSnapshot, error) {
	var response struct {
		Run RunSnapshot `json:"run"`
	}
	path := "/api/v1/runs/" + url.PathEscape(strings.TrimSpace(runID))
	if err := r.doJSON(ctx, http.MethodGet, path, nil, nil, &response); err != nil {
		return RunSnapshot{}, err
	}
	return response.Run, nil
}

func (r *RemoteCore) ListRunSnapshots(ctx context.Context) ([]RunSnapshot, error) {
	var response struct {
		Runs []RunSnapshot `json:"runs"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/runs", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Runs, nil
}

// WaitRun polls the daemon until the run reaches a terminal status.
func (r *RemoteCore) WaitRun(ctx context.Context, runID string) error {
	for {
		snapshot, err := r.RunSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		switch snapshot.Status {
		case model.RunStatusComplete, model.RunStatusFailed:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (r *RemoteCore) OpCatalog(ctx context.Context) ([]OpInfo, error) {
	var response struct {
		Ops []OpInfo `json:"ops"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/ops", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Ops, nil
}

// JournalActiveRuns is a daemon-side duty; the daemon's worker already does
// it on a schedule.
func (r *RemoteCore) JournalActiveRuns(_ context.Context) (int, error) {
	return 0, fmt.Errorf("remote core does not support JournalActiveRuns")
}

func (r *RemoteCore) Health(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, nil, &response); err != nil {
		return err
	}
	if strings.TrimSpace(strings.ToLower(response.Status)) != "ok" {
		return fmt.Errorf("daemon health is degraded")
	}
	return nil
}

func (r *RemoteCore) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fullURL := r.baseURL + path
	parsed, err := url.Parse(fullURL)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
