// SPDX-License-Identifier: MIT

package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbrandt/strec/internal/hmac"
	"github.com/nbrandt/strec/internal/log"
	"github.com/nbrandt/strec/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-HMAC-Signature"

const (
	defaultSyncInterval = 10 * time.Second
	// staleAfter is how old the cached model list may be before reads
	// fail instead of returning outdated data.
	staleAfter = 60 * time.Second
)

type requestEnvelope struct {
	Action    string       `json:"action"`
	Model     *model.Model `json:"model,omitempty"`
	Recording string       `json:"recording,omitempty"`
}

type responseEnvelope struct {
	Status     string        `json:"status"`
	Msg        string        `json:"msg"`
	Models     []model.Model `json:"models,omitempty"`
	Recordings []Recording   `json:"recordings,omitempty"`
}

// RemoteRecorder drives a recording host over the control protocol. The
// model list is cached locally and refreshed by a background sync loop;
// reads of the cache fail once it goes stale.
type RemoteRecorder struct {
	baseURL string
	client  *http.Client
	key     []byte
	logger  zerolog.Logger
	now     func() time.Time

	syncInterval time.Duration

	mu       sync.Mutex
	models   []model.Model
	lastSync time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type remoteOption func(*RemoteRecorder)

// withClock overrides time for staleness tests.
func withClock(now func() time.Time) remoteOption {
	return func(r *RemoteRecorder) { r.now = now }
}

// withSyncInterval overrides the sync loop interval, for tests.
func withSyncInterval(d time.Duration) remoteOption {
	return func(r *RemoteRecorder) { r.syncInterval = d }
}

// NewRemote returns a protocol client for the recorder at baseURL and
// starts its background sync loop. key may be nil when the server does not
// require authentication.
func NewRemote(baseURL string, client *http.Client, key []byte, opts ...remoteOption) *RemoteRecorder {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RemoteRecorder{
		baseURL:      baseURL,
		client:       client,
		key:          key,
		logger:       log.WithComponent("remote"),
		now:          time.Now,
		syncInterval: defaultSyncInterval,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.syncLoop(ctx)
	return r
}

func (r *RemoteRecorder) syncLoop(ctx context.Context) {
	defer r.wg.Done()
	r.syncOnce(ctx)
	ticker := time.NewTicker(r.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncOnce(ctx)
		}
	}
}

func (r *RemoteRecorder) syncOnce(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error().Err(err).Msg("cannot synchronize with server")
	}
}

// Refresh fetches the server's model list immediately, outside the sync
// loop cadence.
func (r *RemoteRecorder) Refresh(ctx context.Context) error {
	resp, err := r.send(ctx, requestEnvelope{Action: "list"})
	if err != nil {
		return err
	}
	r.updateCache(resp.Models)
	return nil
}

// StartRecording asks the server to add the model and refreshes the local
// cache from the server's authoritative list.
func (r *RemoteRecorder) StartRecording(ctx context.Context, m model.Model) error {
	resp, err := r.send(ctx, requestEnvelope{Action: "start", Model: &m})
	if err != nil {
		return err
	}
	r.updateCache(resp.Models)
	return nil
}

// StopRecording asks the server to remove the model and refreshes the local
// cache from the server's authoritative list.
func (r *RemoteRecorder) StopRecording(ctx context.Context, m model.Model) error {
	resp, err := r.send(ctx, requestEnvelope{Action: "stop", Model: &m})
	if err != nil {
		return err
	}
	r.updateCache(resp.Models)
	return nil
}

func (r *RemoteRecorder) updateCache(models []model.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = models
	r.lastSync = r.now()
}

// IsRecording reports membership in the cached model list.
func (r *RemoteRecorder) IsRecording(m model.Model) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.models {
		if r.models[i].Equal(m) {
			return true
		}
	}
	return false
}

// Models returns the cached watch-list. It fails with ErrStaleData when the
// last successful sync is older than a minute.
func (r *RemoteRecorder) Models() ([]model.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.lastSync) > staleAfter {
		return nil, fmt.Errorf("last sync at %s: %w", r.lastSync.Format(time.RFC3339), ErrStaleData)
	}
	out := make([]model.Model, len(r.models))
	copy(out, r.models)
	return out, nil
}

// Recordings fetches the recording inventory from the server.
func (r *RemoteRecorder) Recordings(ctx context.Context) ([]Recording, error) {
	resp, err := r.send(ctx, requestEnvelope{Action: "recordings"})
	if err != nil {
		return nil, err
	}
	return resp.Recordings, nil
}

// Merge is a local-only operation.
func (r *RemoteRecorder) Merge(context.Context, Recording, bool) error {
	return fmt.Errorf("merge: %w", ErrRemoteUnsupported)
}

// Delete asks the server to remove the recording.
func (r *RemoteRecorder) Delete(ctx context.Context, rec Recording) error {
	if _, err := r.send(ctx, requestEnvelope{Action: "delete", Recording: rec.Path}); err != nil {
		return fmt.Errorf("delete recording %s: %w", rec.Path, err)
	}
	return nil
}

// Shutdown stops the sync loop.
func (r *RemoteRecorder) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *RemoteRecorder) send(ctx context.Context, env requestEnvelope) (*responseEnvelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rec", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.key != nil {
		req.Header.Set(SignatureHeader, hmac.Calculate(body, r.key))
	}

	httpResp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", env.Action, err)
	}
	defer httpResp.Body.Close()

	var resp responseEnvelope
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode %s response (HTTP %d): %w", env.Action, httpResp.StatusCode, err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("server returned error for %s: %s", env.Action, resp.Msg)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned HTTP %d for %s", httpResp.StatusCode, env.Action)
	}
	return &resp, nil
}
