package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-aggregator/internal/adapter"
	"github.com/portfolio-aggregator/internal/currency"
	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/storage"
	"github.com/portfolio-aggregator/internal/types"
	"github.com/portfolio-aggregator/internal/vault"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// testClock starts at fixedNow and only moves when advanced
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockConnectionRepo is an in-memory ConnectionRepository
type mockConnectionRepo struct {
	mu        sync.Mutex
	conns     map[string]*models.Connection
	listErr   error
	markErr   error
	synced    map[types.ProviderID]time.Time
	markCalls int
}

func newMockConnectionRepo() *mockConnectionRepo {
	return &mockConnectionRepo{
		conns:  make(map[string]*models.Connection),
		synced: make(map[types.ProviderID]time.Time),
	}
}

func repoKey(userID string, p types.ProviderID) string {
	return userID + "/" + string(p)
}

func (m *mockConnectionRepo) Upsert(ctx context.Context, conn *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[repoKey(conn.UserID, conn.Provider)]; ok {
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
	} else if conn.ID == "" {
		conn.ID = "conn-" + string(conn.Provider)
		conn.CreatedAt = fixedNow
	}
	conn.UpdatedAt = fixedNow
	c := *conn
	m.conns[repoKey(conn.UserID, conn.Provider)] = &c
	return nil
}

func (m *mockConnectionRepo) Get(ctx context.Context, userID string, provider types.ProviderID) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[repoKey(userID, provider)]
	if !ok {
		return nil, apperrors.NewNotFoundError("connection", repoKey(userID, provider))
	}
	cp := *c
	return &cp, nil
}

func (m *mockConnectionRepo) ListByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.Connection
	for _, c := range m.conns {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *mockConnectionRepo) Delete(ctx context.Context, userID string, provider types.ProviderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, repoKey(userID, provider))
	return nil
}

func (m *mockConnectionRepo) MarkExpired(ctx context.Context, userID string, provider types.ProviderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	if m.markErr != nil {
		return m.markErr
	}
	if c, ok := m.conns[repoKey(userID, provider)]; ok {
		c.Status = types.StatusExpired
		c.LastError = &reason
	}
	return nil
}

func (m *mockConnectionRepo) UpdateLastSync(ctx context.Context, userID string, provider types.ProviderID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced[provider] = at
	if c, ok := m.conns[repoKey(userID, provider)]; ok {
		c.LastSyncAt = &at
	}
	return nil
}

func (m *mockConnectionRepo) status(userID string, p types.ProviderID) types.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[repoKey(userID, p)]; ok {
		return c.Status
	}
	return types.StatusDisconnected
}

// mockAdapter is a scripted ProviderAdapter
type mockAdapter struct {
	id       types.ProviderID
	holdings []models.Holding
	events   []models.IncomeEvent
	fetchErr error
	authErr  error
	auth     *adapter.AuthResult
	panics   bool
	delay    time.Duration

	calls    int32
	sessions chan adapter.Session

	inflight    *int32
	maxInflight *int32
}

func (m *mockAdapter) ID() types.ProviderID { return m.id }

func (m *mockAdapter) Health() *models.ProviderHealth {
	return &models.ProviderHealth{TotalRequests: int64(atomic.LoadInt32(&m.calls)), Healthy: m.fetchErr == nil}
}

func (m *mockAdapter) Authenticate(ctx context.Context, credentials json.RawMessage) (*adapter.AuthResult, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	if m.auth != nil {
		return m.auth, nil
	}
	return &adapter.AuthResult{Credentials: credentials, Account: "acct-" + string(m.id)}, nil
}

func (m *mockAdapter) enter(s adapter.Session) error {
	atomic.AddInt32(&m.calls, 1)
	if m.sessions != nil {
		m.sessions <- s
	}
	if m.inflight != nil {
		n := atomic.AddInt32(m.inflight, 1)
		for {
			prev := atomic.LoadInt32(m.maxInflight)
			if n <= prev || atomic.CompareAndSwapInt32(m.maxInflight, prev, n) {
				break
			}
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.inflight != nil {
		atomic.AddInt32(m.inflight, -1)
	}
	if m.panics {
		panic("provider payload shape changed")
	}
	return m.fetchErr
}

func (m *mockAdapter) FetchHoldings(ctx context.Context, s adapter.Session) ([]models.Holding, error) {
	if err := m.enter(s); err != nil {
		return nil, err
	}
	return m.holdings, nil
}

func (m *mockAdapter) FetchIncomeEvents(ctx context.Context, s adapter.Session) ([]models.IncomeEvent, error) {
	if err := m.enter(s); err != nil {
		return nil, err
	}
	return m.events, nil
}

func (m *mockAdapter) callCount() int {
	return int(atomic.LoadInt32(&m.calls))
}

// mockSessionAdapter adds the manual session flow
type mockSessionAdapter struct {
	*mockAdapter
	sessionErr error
}

func (m *mockSessionAdapter) AuthenticateWithSession(ctx context.Context, token string) (*adapter.AuthResult, error) {
	if m.sessionErr != nil {
		return nil, m.sessionErr
	}
	creds, _ := json.Marshal(map[string]string{"sessionId": token})
	return &adapter.AuthResult{Credentials: creds, Account: "1234567"}, nil
}

type staticRates map[string]decimal.Decimal

func (s staticRates) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	if len(s) == 0 {
		return nil, errors.New("rates unavailable")
	}
	return s, nil
}

// harness bundles a fully wired aggregator and connection service
type harness struct {
	mr       *miniredis.Miniredis
	clock    *testClock
	repo     *mockConnectionRepo
	cache    *storage.CacheService
	vault    *vault.Vault
	registry *adapter.Registry
	agg      *Aggregator
	conns    *ConnectionService
}

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.LevelError, logging.FormatText)
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, maxInflight int, adapters ...adapter.ProviderAdapter) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &testClock{now: fixedNow}
	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(client), time.Hour).WithClock(clock.Now)

	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	converter := currency.NewConverter(staticRates{
		"USD": decimal.RequireFromString("1.25"),
		"GBP": decimal.RequireFromString("0.8"),
	}, currency.Config{Base: "EUR", Now: fixedClock, Logger: testLogger()})

	repo := newMockConnectionRepo()
	registry := adapter.NewRegistry(adapters...)

	return &harness{
		mr:       mr,
		clock:    clock,
		repo:     repo,
		cache:    cache,
		vault:    v,
		registry: registry,
		agg: NewAggregator(AggregatorConfig{
			Connections:       repo,
			Cache:             cache,
			Vault:             v,
			Registry:          registry,
			Converter:         converter,
			FanoutMaxInflight: maxInflight,
			Logger:            testLogger(),
			Now:               clock.Now,
		}),
		conns: NewConnectionService(repo, cache, v, registry, testLogger()),
	}
}

// connect stores a sealed connection directly, bypassing Authenticate
func (h *harness) connect(t *testing.T, userID string, p types.ProviderID, status types.ConnectionStatus) {
	t.Helper()
	sealed, err := h.vault.SealJSON(adapter.KeySecretCredentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	require.NoError(t, h.repo.Upsert(context.Background(), &models.Connection{
		UserID:               userID,
		Provider:             p,
		Status:               status,
		EncryptedCredentials: sealed,
		Account:              "acct",
	}))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
