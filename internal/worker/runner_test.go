package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/executor"
	"cleanbox/internal/model"
	"cleanbox/internal/registry"
	"cleanbox/internal/scanner"
	"cleanbox/internal/scheduler"
	"cleanbox/internal/store/memory"
	"cleanbox/internal/taskstore"
	"cleanbox/pkg/util"
)

type capturePublisher struct {
	mu   sync.Mutex
	sent [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, _ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, b)
	return nil
}

func (p *capturePublisher) last(t *testing.T) []byte {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.sent)
	return p.sent[len(p.sent)-1]
}

type scriptedExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls []executor.Request
}

func (e *scriptedExecutor) Execute(_ context.Context, req executor.Request) (executor.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return executor.Result{}, err
		}
	}
	return executor.Result{Detail: "POST 200 OK"}, nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func (l *memLocker) Acquire(_ context.Context, _ string, id int64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return "", false
	}
	l.held[id] = true
	return "tok", true
}

func (l *memLocker) Release(_ context.Context, _ string, id int64, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

type stubScanner struct {
	err   error
	calls []int64
}

func (s *stubScanner) Scan(_ context.Context, accountID int64) (*scanner.Result, error) {
	s.calls = append(s.calls, accountID)
	return &scanner.Result{}, s.err
}

type fixture struct {
	st     *memory.Store
	jobs   *memory.JobStore
	sched  *scheduler.Scheduler
	tasks  *taskstore.TaskStore
	pub    *capturePublisher
	exec   *scriptedExecutor
	locker *memLocker
	scan   *stubScanner
	runner *Runner
	acct   *model.MailboxAccount
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, scheduler.Config{})
}

func newFixtureWith(t *testing.T, cfg scheduler.Config) *fixture {
	t.Helper()
	f := &fixture{
		st:     memory.New(),
		jobs:   memory.NewJobStore(),
		pub:    &capturePublisher{},
		exec:   &scriptedExecutor{},
		locker: &memLocker{held: map[int64]bool{}},
		scan:   &stubScanner{},
	}
	log := zap.NewNop()
	f.sched = scheduler.New(f.jobs, f.pub, cfg, log)
	f.tasks = taskstore.New(f.st, log)
	f.runner = NewRunner(f.sched, f.tasks, f.st, f.exec, f.scan, f.locker, Config{}, log)

	acct, err := f.st.UpsertAccount(context.Background(), &model.MailboxAccount{
		UserID: 1, Email: "me@example.com", RefreshTokenEnc: "enc",
	})
	require.NoError(t, err)
	f.acct = acct
	return f
}

// queuedTask registers a channel with approval disabled and enqueues it.
func (f *fixture) queuedTask(t *testing.T, url string) *model.UnsubscribeTask {
	t.Helper()
	reg, err := registry.New(f.st, false).Register(context.Background(), f.acct.ID, nil,
		model.Channel{Kind: model.ChannelHTTPS, URL: url, OneClick: true})
	require.NoError(t, err)
	_, _, err = f.sched.Enqueue(context.Background(), scanner.ExecuteJobFor(reg.Task))
	require.NoError(t, err)
	return reg.Task
}

// deliver dispatches due jobs and hands the newest envelope to the runner.
func (f *fixture) deliver(t *testing.T) error {
	t.Helper()
	n, err := f.sched.DispatchDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return f.runner.HandleMessage(context.Background(), f.pub.last(t))
}

func (f *fixture) job(t *testing.T, key string) *model.JobRecord {
	t.Helper()
	j, err := f.jobs.GetLiveJob(context.Background(), key)
	if err == nil {
		return j
	}
	all, err := f.jobs.ListJobs(context.Background(), "", 0)
	require.NoError(t, err)
	for _, j := range all {
		if j.Key == key {
			return j
		}
	}
	t.Fatalf("no job %s", key)
	return nil
}

// waitBackoff sleeps past a millisecond-scale retry backoff.
func (f *fixture) waitBackoff() {
	time.Sleep(20 * time.Millisecond)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)
	task := f.queuedTask(t, "https://shop.example/u?id=1")

	require.NoError(t, f.deliver(t))

	got, err := f.tasks.Get(context.Background(), 0, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.Attempts)

	sub, err := f.st.GetSubscription(context.Background(), task.SubscriptionID)
	require.NoError(t, err)
	assert.True(t, sub.Unsubscribed, "subscription flips with the task")

	require.Len(t, f.exec.calls, 1)
	assert.Equal(t, executor.Request{URL: task.URL, Kind: model.ChannelHTTPS, OneClick: true, From: "me@example.com"}, f.exec.calls[0])

	j := f.job(t, "task-"+itoa(task.ID))
	assert.Equal(t, model.JobCompleted, j.Status)
}

func TestExecute_FirstFailureRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.exec.errs = []error{errors.New("unsubscribe endpoint error: POST 503 Service Unavailable")}
	task := f.queuedTask(t, "https://shop.example/u?id=1")

	before := time.Now().UTC()
	require.NoError(t, f.deliver(t))

	got, err := f.tasks.Get(context.Background(), 0, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "503")

	j := f.job(t, "task-"+itoa(task.ID))
	assert.Equal(t, model.JobDelayed, j.Status)
	assert.Equal(t, 1, j.AttemptsMade)
	assert.WithinDuration(t, before.Add(5*time.Second), j.NextRunAt, 2*time.Second)

	n, err := f.sched.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "retry waits for the backoff")
}

func TestExecute_RetriesAreBounded(t *testing.T) {
	f := newFixtureWith(t, scheduler.Config{BackoffBase: time.Millisecond})
	transient := errors.New("unsubscribe endpoint error: POST 502 Bad Gateway")
	f.exec.errs = []error{transient, transient, transient}
	task := f.queuedTask(t, "https://shop.example/u?id=1")
	key := "task-" + itoa(task.ID)

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			f.waitBackoff()
		}
		require.NoError(t, f.deliver(t))
	}

	got, err := f.tasks.Get(context.Background(), 0, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotNil(t, got.FinishedAt)

	j := f.job(t, key)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, 3, j.AttemptsMade)
	assert.Len(t, f.exec.calls, 3)

	sub, err := f.st.GetSubscription(context.Background(), task.SubscriptionID)
	require.NoError(t, err)
	assert.False(t, sub.Unsubscribed)
}

func TestExecute_PermanentFailureIsFinal(t *testing.T) {
	f := newFixture(t)
	f.exec.errs = []error{util.Permanent(errors.New("unsubscribe rejected: POST 410 Gone"))}
	task := f.queuedTask(t, "https://shop.example/u?id=1")

	require.NoError(t, f.deliver(t))

	got, err := f.tasks.Get(context.Background(), 0, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.JobFailed, f.job(t, "task-"+itoa(task.ID)).Status)
}

func TestExecute_DisconnectedAccountIsNotRetried(t *testing.T) {
	f := newFixture(t)
	task := f.queuedTask(t, "https://shop.example/u?id=1")
	require.NoError(t, f.st.DisconnectAccount(context.Background(), f.acct.ID))

	require.NoError(t, f.deliver(t))

	got, err := f.tasks.Get(context.Background(), 0, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Empty(t, f.exec.calls)
}

func TestExecute_SkipsTaskThatIsNotQueued(t *testing.T) {
	f := newFixture(t)
	reg, err := registry.New(f.st, true).Register(context.Background(), f.acct.ID, nil,
		model.Channel{Kind: model.ChannelHTTPS, URL: "https://pending.example/u"})
	require.NoError(t, err)
	_, _, err = f.sched.Enqueue(context.Background(), scanner.ExecuteJobFor(reg.Task))
	require.NoError(t, err)

	require.NoError(t, f.deliver(t))

	assert.Empty(t, f.exec.calls, "pending_approval tasks never execute")
	got, err := f.tasks.Get(context.Background(), 0, reg.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingApproval, got.Status)
	assert.Equal(t, model.JobCompleted, f.job(t, "task-"+itoa(reg.Task.ID)).Status)
}

func TestExecute_LockHeldSkipsWithoutRecording(t *testing.T) {
	f := newFixture(t)
	task := f.queuedTask(t, "https://shop.example/u?id=1")
	f.locker.held[task.ID] = true

	require.NoError(t, f.deliver(t))

	assert.Empty(t, f.exec.calls)
	assert.Equal(t, model.JobActive, f.job(t, "task-"+itoa(task.ID)).Status)
}

func TestHandleMessage_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.queuedTask(t, "https://shop.example/u?id=1")
	require.NoError(t, f.deliver(t))

	// 同一条消息再投递一次
	require.NoError(t, f.runner.HandleMessage(context.Background(), f.pub.last(t)))
	assert.Len(t, f.exec.calls, 1)
}

func TestHandleMessage_BadInput(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.runner.HandleMessage(context.Background(), []byte("{")))

	env, err := json.Marshal(mq.Envelope{JobID: 404, Kind: mq.KindScan})
	require.NoError(t, err)
	assert.NoError(t, f.runner.HandleMessage(context.Background(), env))
}

func TestScanJob(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.sched.Enqueue(context.Background(), mq.ScanJob{AccountID: f.acct.ID})
	require.NoError(t, err)
	require.NoError(t, f.deliver(t))
	assert.Equal(t, []int64{f.acct.ID}, f.scan.calls)
	assert.Equal(t, model.JobCompleted, f.job(t, "scan-"+itoa(f.acct.ID)).Status)

	f.scan.err = util.Credential(errors.New("invalid_grant"))
	_, _, err = f.sched.Enqueue(context.Background(), mq.ScanJob{AccountID: f.acct.ID})
	require.NoError(t, err)
	require.NoError(t, f.deliver(t))
	live, err := f.sched.HasLiveJob(context.Background(), "scan-"+itoa(f.acct.ID))
	require.NoError(t, err)
	assert.False(t, live, "credential failures are not retried")
}
