package retell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/retell-client/shared"
	"go.uber.org/zap"
)

// Environment variable keys read once at manager construction.
const (
	EnvKeyApiKey   string = "RETELL_API_KEY"
	EnvKeyEndpoint string = "RETELL_ENDPOINT"
	EnvKeyTokenUrl string = "RETELL_TOKEN_URL"
)

// DefaultTokenUrl is the backend endpoint tokens are fetched from when
// no override is configured.
const DefaultTokenUrl = "http://localhost:3000/api/retell"

const stopCallTimeout = 5 * time.Second

// ClientFactory builds the underlying call client. The manager's
// default builds a WebClient; tests inject fakes through it.
type ClientFactory func(ctx context.Context, logger shared.LoggerAdapter, cfg ClientConfig) (CallClient, error)

// ManagerConfig configures a Manager. Zero-value fields fall back to
// the environment and then to defaults.
type ManagerConfig struct {
	ApiKey   string
	TokenUrl string
	Endpoint string
	Logger   shared.LoggerAdapter
	Factory  ClientFactory
}

type inflight struct {
	done   chan struct{}
	client CallClient
	err    error
}

// Manager owns at most one call client for its lifetime. Construction
// is lazy and single-flight: overlapping GetClient calls during a
// construction attempt observe the same outcome, and a client error
// reported at runtime resets the manager so the next GetClient call
// rebuilds from a clean state.
type Manager struct {
	logger   shared.LoggerAdapter
	apiKey   string
	tokenUrl string
	endpoint string
	factory  ClientFactory

	mu       sync.Mutex
	tokens   *HTTPTokenSource
	client   CallClient
	creating *inflight
}

// NewManager reads unset config fields from the environment once and
// returns a ready manager. A missing API key is only logged here; it
// surfaces as an error on the first GetClient call.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = shared.NewStdLogger()
	}
	apiKey := cfg.ApiKey
	if apiKey == "" {
		apiKey = shared.MustGetenv(shared.GetenvString, EnvKeyApiKey, false, "")
	}
	if apiKey == "" {
		logger.Warn("no API key configured; call client creation will fail")
	}
	tokenUrl := cfg.TokenUrl
	if tokenUrl == "" {
		tokenUrl = shared.MustGetenv(shared.GetenvString, EnvKeyTokenUrl, false, DefaultTokenUrl)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = shared.MustGetenv(shared.GetenvString, EnvKeyEndpoint, false, "")
	}
	factory := cfg.Factory
	if factory == nil {
		factory = func(ctx context.Context, logger shared.LoggerAdapter, cfg ClientConfig) (CallClient, error) {
			return NewWebClient(ctx, logger, cfg)
		}
	}
	return &Manager{
		logger:   logger,
		apiKey:   apiKey,
		tokenUrl: tokenUrl,
		endpoint: endpoint,
		factory:  factory,
	}
}

// ValidateApiKey reports whether an API key is configured. Pure, no
// side effects.
func (m *Manager) ValidateApiKey() bool {
	return m.apiKey != ""
}

// ApiKey returns the configured key. May be empty.
func (m *Manager) ApiKey() string {
	return m.apiKey
}

func (m *Manager) tokenSource() (*HTTPTokenSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		src, err := NewHTTPTokenSource(m.logger, m.tokenUrl)
		if err != nil {
			return nil, err
		}
		m.tokens = src
	}
	return m.tokens, nil
}

// GetToken fetches one short-lived call token for agentId from the
// backend token endpoint. No retries; failures are logged at the point
// of detection and returned.
func (m *Manager) GetToken(ctx context.Context, agentId string) (string, error) {
	src, err := m.tokenSource()
	if err != nil {
		m.logger.Error("building token source", err, zap.String("tokenUrl", m.tokenUrl))
		return "", fmt.Errorf("building token source: %w", err)
	}
	return src.GetToken(ctx, agentId)
}

// GetClient returns the cached client, the outcome of a construction
// already in flight, or starts a new construction. Construction logic
// runs exactly once per attempt regardless of caller concurrency.
func (m *Manager) GetClient(ctx context.Context) (CallClient, error) {
	m.mu.Lock()
	if fl := m.creating; fl != nil {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-fl.done:
		}
		return fl.client, fl.err
	}
	if m.client != nil {
		client := m.client
		m.mu.Unlock()
		return client, nil
	}
	if m.apiKey == "" {
		m.mu.Unlock()
		m.logger.Error("creating call client", shared.ErrMissingCredential)
		return nil, shared.ErrMissingCredential
	}
	fl := &inflight{done: make(chan struct{})}
	m.creating = fl
	m.mu.Unlock()

	client, err := m.buildClient(ctx)

	// ResetClient may have cleared m.creating while the factory ran, in
	// which case a later GetClient owns the marker now. A superseded
	// attempt must not cache its client or clobber the newer marker.
	m.mu.Lock()
	superseded := m.creating != fl
	if !superseded {
		if err == nil {
			m.client = client
		}
		m.creating = nil
	}
	m.mu.Unlock()
	if superseded && client != nil {
		if cerr := client.Close(); cerr != nil {
			m.logger.Warn("closing superseded call client failed", zap.Error(cerr))
		}
		client, err = nil, shared.ErrClientClosed
	}
	fl.client, fl.err = client, err
	close(fl.done)
	return client, err
}

func (m *Manager) buildClient(ctx context.Context) (CallClient, error) {
	client, err := m.factory(ctx, m.logger, ClientConfig{
		ApiKey:        m.apiKey,
		Debug:         true,
		TokenProvider: m.GetToken,
	})
	if err != nil {
		m.logger.Error("creating call client", err)
		return nil, fmt.Errorf("creating call client: %w", err)
	}
	if err := client.RegisterErrorHandler(func(cause error) {
		m.logger.Error("call client reported an error", cause)
		m.ResetClient()
	}); err != nil {
		if cerr := client.Close(); cerr != nil {
			m.logger.Warn("closing call client failed", zap.Error(cerr))
		}
		m.logger.Error("registering error handler", err)
		return nil, fmt.Errorf("registering error handler: %w", err)
	}
	if m.endpoint != "" {
		if err := client.SetEndpoint(m.endpoint); err != nil {
			if cerr := client.Close(); cerr != nil {
				m.logger.Warn("closing call client failed", zap.Error(cerr))
			}
			m.logger.Error("applying custom endpoint", err, zap.String("endpoint", m.endpoint))
			return nil, fmt.Errorf("applying custom endpoint: %w", err)
		}
	}
	m.logger.Info("call client created")
	return client, nil
}

// ResetClient returns the manager to its uninitialized state. Any
// active call is stopped best-effort; stop failures are logged, never
// propagated. Calling with no client is a no-op.
func (m *Manager) ResetClient() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.creating = nil
	m.mu.Unlock()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopCallTimeout)
	defer cancel()
	if err := client.StopCall(ctx); err != nil && !errors.Is(err, shared.ErrNoCallActive) {
		m.logger.Warn("stopping active call failed", zap.Error(err))
	}
	if err := client.Close(); err != nil {
		m.logger.Warn("closing call client failed", zap.Error(err))
	}
	m.logger.Info("call client reset")
}

var (
	instanceMu sync.Mutex
	instance   *Manager
)

// GetInstance returns the process-wide manager, constructing it on the
// first call with cfg. Later calls return the existing instance and
// ignore cfg entirely (first-call-wins).
func GetInstance(cfg ManagerConfig) *Manager {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = NewManager(cfg)
	}
	return instance
}

// GetClient is a convenience for GetInstance(...).GetClient on the
// process-wide manager.
func GetClient(ctx context.Context) (CallClient, error) {
	return GetInstance(ManagerConfig{}).GetClient(ctx)
}

// ValidateApiKey is a convenience for GetInstance(...).ValidateApiKey
// on the process-wide manager.
func ValidateApiKey() bool {
	return GetInstance(ManagerConfig{}).ValidateApiKey()
}
