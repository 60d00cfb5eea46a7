package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/magic-number/pkg/logger"
)

const (
	defaultRemoteQueue    = 64
	defaultRemoteAttempts = 3
	defaultRemoteBackoff  = 500 * time.Millisecond
)

// RemoteProvider forwards requests to an external oracle. The oracle answers
// later through the callback endpoint, which hands the delivery to Client.Deliver.
// Requests are posted from a worker goroutine, never on the caller's path.
type RemoteProvider struct {
	endpoint    string
	apiKey      string
	callbackURL string
	httpClient  *http.Client
	log         *logger.Logger
	queue       chan PendingRequest
	attempts    int
	backoff     time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type remoteRequest struct {
	RequestID   string `json:"request_id"`
	Consumer    string `json:"consumer"`
	KeyHash     string `json:"key_hash"`
	Seed        string `json:"seed"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// NewRemoteProvider creates a provider posting to endpoint.
func NewRemoteProvider(endpoint, apiKey, callbackURL string, httpClient *http.Client, log *logger.Logger) (*RemoteProvider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("remote oracle endpoint required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("oracle-remote")
	}
	return &RemoteProvider{
		endpoint:    endpoint,
		apiKey:      apiKey,
		callbackURL: callbackURL,
		httpClient:  httpClient,
		log:         log,
		queue:       make(chan PendingRequest, defaultRemoteQueue),
		attempts:    defaultRemoteAttempts,
		backoff:     defaultRemoteBackoff,
	}, nil
}

func (p *RemoteProvider) Name() string { return "remote" }

// Start launches the forwarding worker. Posts run on the worker's context,
// so they outlive the request that filled the round.
func (p *RemoteProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case req := <-p.queue:
				p.forward(runCtx, req)
			}
		}
	}()
	p.log.WithField("endpoint", p.endpoint).Info("remote oracle provider started")
	return nil
}

// Stop halts the worker. Queued requests are dropped.
func (p *RemoteProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("remote oracle provider stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues the request. deliver is unused; the answer arrives out of band.
func (p *RemoteProvider) Submit(_ context.Context, req PendingRequest, _ DeliverFunc) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrProviderStopped
	}
	select {
	case p.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// forward posts req, retrying transient failures with a linear backoff.
func (p *RemoteProvider) forward(ctx context.Context, req PendingRequest) {
	entry := p.log.WithField("request_id", req.ID)
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.post(ctx, req); err == nil {
			entry.WithField("attempt", attempt).Debug("request forwarded to remote oracle")
			return
		}
		entry.WithError(err).WithField("attempt", attempt).Warn("remote oracle post failed")
		if attempt == p.attempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	entry.WithError(err).Error("giving up on remote oracle request; round waits for the watchdog")
}

func (p *RemoteProvider) post(ctx context.Context, req PendingRequest) error {
	body, err := json.Marshal(remoteRequest{
		RequestID:   req.ID,
		Consumer:    req.Consumer,
		KeyHash:     hex.EncodeToString(req.KeyHash),
		Seed:        hex.EncodeToString(req.Seed),
		CallbackURL: p.callbackURL,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post to oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
