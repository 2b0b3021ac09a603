package retell

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/retell-client/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	eh       EventHandler
	errh     ErrorHandler
	endpoint string
	stopped  bool
	closed   bool
	done     chan struct{}
}

var _ CallClient = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{done: make(chan struct{})}
}

func (f *fakeClient) StartCall(ctx context.Context, opts StartCallOptions) error {
	return nil
}

func (f *fakeClient) StopCall(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeClient) SetEndpoint(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = endpoint
	return nil
}

func (f *fakeClient) RegisterEventHandler(handler EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	f.eh = handler
	return nil
}

func (f *fakeClient) RegisterErrorHandler(handler ErrorHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errh != nil {
		return shared.ErrErrHandlerAlreadySet
	}
	f.errh = handler
	return nil
}

func (f *fakeClient) SetMuted(muted bool) error {
	return nil
}

func (f *fakeClient) State() *CallStateTracker {
	return NewCallStateTracker()
}

func (f *fakeClient) Done() <-chan struct{} {
	return f.done
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) fireError(err error) {
	f.mu.Lock()
	errh := f.errh
	f.mu.Unlock()
	if errh != nil {
		errh(err)
	}
}

func fakeFactory(counter *atomic.Int32, gate chan struct{}) ClientFactory {
	return func(ctx context.Context, logger shared.LoggerAdapter, cfg ClientConfig) (CallClient, error) {
		counter.Add(1)
		if gate != nil {
			<-gate
		}
		return newFakeClient(), nil
	}
}

func newTestManager(t *testing.T, apiKey string, factory ClientFactory) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		ApiKey:   apiKey,
		TokenUrl: DefaultTokenUrl,
		Logger:   shared.NewNopLogger(),
		Factory:  factory,
	})
}

func TestGetInstanceReturnsSameInstance(t *testing.T) {
	instanceMu.Lock()
	instance = nil
	instanceMu.Unlock()

	first := GetInstance(ManagerConfig{
		ApiKey: "key-1",
		Logger: shared.NewNopLogger(),
	})
	second := GetInstance(ManagerConfig{
		ApiKey: "key-2",
		Logger: shared.NewNopLogger(),
	})
	assert.Same(t, first, second)
	// first-call-wins: the second config is ignored
	assert.Equal(t, "key-1", second.ApiKey())
}

func TestGetClientConcurrentSingleConstruction(t *testing.T) {
	var counter atomic.Int32
	gate := make(chan struct{})
	m := newTestManager(t, "key", fakeFactory(&counter, gate))

	const callers = 16
	results := make(chan CallClient, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := m.GetClient(context.Background())
			assert.NoError(t, err)
			results <- client
		}()
	}
	// Let the callers pile up on the in-flight construction, then
	// release the factory.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	var first CallClient
	for client := range results {
		if first == nil {
			first = client
			continue
		}
		assert.Same(t, first, client)
	}
	assert.Equal(t, int32(1), counter.Load())
}

func TestGetClientReturnsCachedInstance(t *testing.T) {
	var counter atomic.Int32
	m := newTestManager(t, "key", fakeFactory(&counter, nil))

	first, err := m.GetClient(context.Background())
	require.NoError(t, err)
	second, err := m.GetClient(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), counter.Load())
}

func TestResetClientTriggersNewConstruction(t *testing.T) {
	var counter atomic.Int32
	m := newTestManager(t, "key", fakeFactory(&counter, nil))

	first, err := m.GetClient(context.Background())
	require.NoError(t, err)
	m.ResetClient()
	second, err := m.GetClient(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), counter.Load())
	assert.True(t, first.(*fakeClient).stopped)
	assert.True(t, first.(*fakeClient).closed)
}

func TestResetClientWithoutClientIsNoop(t *testing.T) {
	m := newTestManager(t, "key", nil)
	m.ResetClient()
	m.ResetClient()
}

func TestGetClientMissingApiKey(t *testing.T) {
	t.Setenv(EnvKeyApiKey, "")
	m := newTestManager(t, "", nil)

	client, err := m.GetClient(context.Background())
	assert.Nil(t, client)
	assert.ErrorIs(t, err, shared.ErrMissingCredential)
	assert.False(t, m.ValidateApiKey())
}

func TestValidateApiKey(t *testing.T) {
	t.Setenv(EnvKeyApiKey, "")
	tests := []struct {
		name     string
		apiKey   string
		expected bool
	}{
		{
			name:     "empty key",
			apiKey:   "",
			expected: false,
		},
		{
			name:     "non-empty key",
			apiKey:   "sk-retell",
			expected: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.apiKey, nil)
			assert.Equal(t, tt.expected, m.ValidateApiKey())
			assert.Equal(t, tt.apiKey, m.ApiKey())
		})
	}
}

func TestClientErrorHandlerResetsManager(t *testing.T) {
	var counter atomic.Int32
	m := newTestManager(t, "key", fakeFactory(&counter, nil))

	first, err := m.GetClient(context.Background())
	require.NoError(t, err)

	first.(*fakeClient).fireError(errors.New("session dropped"))

	second, err := m.GetClient(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, first.(*fakeClient).closed)
}

func TestGetClientConstructionFailureAllowsRetry(t *testing.T) {
	var counter atomic.Int32
	boom := errors.New("boom")
	factory := func(ctx context.Context, logger shared.LoggerAdapter, cfg ClientConfig) (CallClient, error) {
		if counter.Add(1) == 1 {
			return nil, boom
		}
		return newFakeClient(), nil
	}
	m := newTestManager(t, "key", factory)

	client, err := m.GetClient(context.Background())
	assert.Nil(t, client)
	assert.ErrorIs(t, err, boom)

	client, err = m.GetClient(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, int32(2), counter.Load())
}

func TestResetClientDuringConstruction(t *testing.T) {
	// Per-attempt gates so each factory call can be released separately.
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	entered := make(chan struct{}, 2)
	var clients []*fakeClient
	var clientsMu sync.Mutex
	var counter atomic.Int32
	factory := func(ctx context.Context, logger shared.LoggerAdapter, cfg ClientConfig) (CallClient, error) {
		n := int(counter.Add(1)) - 1
		entered <- struct{}{}
		<-gates[n]
		client := newFakeClient()
		clientsMu.Lock()
		clients = append(clients, client)
		clientsMu.Unlock()
		return client, nil
	}
	m := newTestManager(t, "key", factory)

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetClient(context.Background())
		firstErr <- err
	}()
	<-entered

	// Reset while the first attempt is still inside the factory, then
	// start a second attempt that owns a fresh in-flight marker.
	m.ResetClient()
	secondClient := make(chan CallClient, 1)
	go func() {
		client, err := m.GetClient(context.Background())
		assert.NoError(t, err)
		secondClient <- client
	}()
	<-entered

	// Finishing the superseded attempt must not cache its client or
	// wipe the second attempt's marker; its client gets closed.
	close(gates[0])
	assert.ErrorIs(t, <-firstErr, shared.ErrClientClosed)
	clientsMu.Lock()
	firstBuilt := clients[0]
	clientsMu.Unlock()
	assert.True(t, firstBuilt.closed)

	close(gates[1])
	second := <-secondClient
	require.NotNil(t, second)
	assert.NotSame(t, CallClient(firstBuilt), second)

	third, err := m.GetClient(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, third)
	assert.Equal(t, int32(2), counter.Load())
}

func TestBuildClientAppliesEndpointOverride(t *testing.T) {
	m := NewManager(ManagerConfig{
		ApiKey:   "key",
		TokenUrl: DefaultTokenUrl,
		Endpoint: "https://calls.example.com",
		Logger:   shared.NewNopLogger(),
		Factory:  fakeFactory(new(atomic.Int32), nil),
	})
	client, err := m.GetClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://calls.example.com", client.(*fakeClient).endpoint)
}

func TestBuildClientConfig(t *testing.T) {
	var got ClientConfig
	factory := func(ctx context.Context, logger shared.LoggerAdapter, cfg ClientConfig) (CallClient, error) {
		got = cfg
		return newFakeClient(), nil
	}
	m := newTestManager(t, "key", factory)
	_, err := m.GetClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", got.ApiKey)
	assert.True(t, got.Debug)
	assert.NotNil(t, got.TokenProvider)
}
