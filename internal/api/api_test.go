package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/health"
	"cleanbox/internal/mailbox"
	"cleanbox/internal/model"
	"cleanbox/internal/registry"
	"cleanbox/internal/scanner"
	"cleanbox/internal/scheduler"
	"cleanbox/internal/store/memory"
	"cleanbox/internal/taskstore"
	"cleanbox/pkg/cryptox"
	"cleanbox/pkg/util"
)

const (
	testSecret = "test-secret"
	testKey    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

type stubScanner struct {
	mu    sync.Mutex
	res   *scanner.Result
	err   error
	calls []int64
}

func (s *stubScanner) Scan(_ context.Context, accountID int64) (*scanner.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, accountID)
	return s.res, s.err
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, mq.Job) (int64, bool, error) {
	return 0, false, errors.New("db down")
}

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + state
}

func (m *mockConnector) ExchangeCode(ctx context.Context, code string) (mailbox.Token, mailbox.Profile, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(mailbox.Token), args.Get(1).(mailbox.Profile), args.Error(2)
}

func (m *mockConnector) Revoke(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

type testEnv struct {
	st        *memory.Store
	jobs      *memory.JobStore
	sched     *scheduler.Scheduler
	tasks     *taskstore.TaskStore
	scan      *stubScanner
	connector *mockConnector
	cipher    *cryptox.Cipher
	router    *Router
	acct      *model.MailboxAccount
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()
	cipher, err := cryptox.NewCipher(testKey)
	require.NoError(t, err)

	e := &testEnv{
		st:        memory.New(),
		jobs:      memory.NewJobStore(),
		scan:      &stubScanner{res: &scanner.Result{MessagesListed: 3}},
		connector: &mockConnector{},
		cipher:    cipher,
	}
	e.sched = scheduler.New(e.jobs, nopPublisher{}, scheduler.Config{}, log)
	e.tasks = taskstore.New(e.st, log)
	e.router = e.build(e.sched)

	enc, err := cipher.Encrypt("refresh-1")
	require.NoError(t, err)
	e.acct, err = e.st.UpsertAccount(context.Background(), &model.MailboxAccount{
		UserID: 1, Email: "me@example.com", RefreshTokenEnc: enc,
	})
	require.NoError(t, err)
	return e
}

func (e *testEnv) build(queue JobQueue) *Router {
	log := zap.NewNop()
	return NewRouter(Handlers{
		Scan:    NewScanHandler(e.st, e.scan, queue, log),
		Tasks:   NewTaskHandler(e.st, e.tasks, queue, log),
		Account: NewAccountHandler(e.st, e.connector, e.cipher, testSecret, log),
		Admin:   NewAdminHandler(e.sched, log),
	}, testSecret, health.NewHandler(nil), log)
}

func token(t *testing.T, uid int64, role string) string {
	t.Helper()
	tok, err := util.GenerateJWT(uid, role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, e.router, method, path, tok, body)
}

func serve(t *testing.T, r *Router, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

// pendingTask registers a channel that waits for approval.
func (e *testEnv) pendingTask(t *testing.T, url string) *model.UnsubscribeTask {
	t.Helper()
	reg, err := registry.New(e.st, true).Register(context.Background(), e.acct.ID, nil,
		model.Channel{Kind: model.ChannelHTTPS, URL: url})
	require.NoError(t, err)
	return reg.Task
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
