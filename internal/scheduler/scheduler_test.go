package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/model"
	"cleanbox/internal/store/memory"
	"cleanbox/pkg/trace"
	"cleanbox/pkg/util"
)

type published struct {
	routingKey string
	env        mq.Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{routingKey: routingKey, env: payload.(mq.Envelope)})
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScheduler(t *testing.T) (*Scheduler, *memory.JobStore, *fakePublisher, *clock) {
	t.Helper()
	jobs := memory.NewJobStore()
	pub := &fakePublisher{}
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := New(jobs, pub, Config{}, zap.NewNop())
	s.now = c.now
	return s, jobs, pub, c
}

func claim(t *testing.T, s *Scheduler, pub *fakePublisher) mq.Envelope {
	t.Helper()
	before := len(pub.sent)
	n, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, pub.sent, before+1)
	return pub.sent[before].env
}

func TestEnqueue_IdempotentOnKey(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	id1, created, err := s.Enqueue(ctx, mq.ExecuteJob{TaskID: 7, AccountID: 1, URL: "https://a.example/u"})
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := s.Enqueue(ctx, mq.ExecuteJob{TaskID: 7, AccountID: 1, URL: "https://a.example/u"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	live, err := s.HasLiveJob(ctx, "task-7")
	require.NoError(t, err)
	assert.True(t, live)

	live, err = s.HasLiveJob(ctx, "task-8")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestEnqueue_NewJobAfterCompletion(t *testing.T) {
	s, _, pub, _ := newTestScheduler(t)
	ctx := context.Background()

	id1, _, err := s.Enqueue(ctx, mq.ScanJob{AccountID: 3})
	require.NoError(t, err)
	env := claim(t, s, pub)
	require.NoError(t, s.Complete(ctx, env.JobID))

	id2, created, err := s.Enqueue(ctx, mq.ScanJob{AccountID: 3})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id1, id2)
}

func TestDispatchDue_PublishesEnvelope(t *testing.T) {
	s, jobs, pub, _ := newTestScheduler(t)
	ctx := trace.WithContext(context.Background(), "trace-1")

	id, _, err := s.Enqueue(ctx, mq.ExecuteJob{TaskID: 9, AccountID: 2, URL: "mailto:u@list.example", Channel: "mailto"})
	require.NoError(t, err)

	env := claim(t, s, pub)
	assert.Equal(t, mq.RoutingKeyExecute, pub.sent[0].routingKey)
	assert.Equal(t, id, env.JobID)
	assert.Equal(t, mq.KindExecute, env.Kind)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, "trace-1", env.TraceID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "mailto:u@list.example", payload["url"])
	assert.NotContains(t, payload, "access_token")

	rec, err := jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobActive, rec.Status)

	n, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "active job is not dispatched twice")
}

func TestDispatchDue_ReleasesOnPublishError(t *testing.T) {
	s, jobs, pub, _ := newTestScheduler(t)
	ctx := context.Background()
	id, _, err := s.Enqueue(ctx, mq.ScanJob{AccountID: 1})
	require.NoError(t, err)

	pub.err = errors.New("channel closed")
	n, err := s.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := jobs.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobWaiting, rec.Status)
	assert.Zero(t, rec.AttemptsMade)

	pub.err = nil
	claim(t, s, pub)
}

func TestFail_RetriesWithExponentialBackoff(t *testing.T) {
	s, jobs, pub, c := newTestScheduler(t)
	ctx := context.Background()

	var hookCalls []Decision
	s.OnFailed(mq.KindExecute, func(_ context.Context, job mq.Job, _ error, d Decision) error {
		assert.Equal(t, int64(5), job.(mq.ExecuteJob).TaskID)
		hookCalls = append(hookCalls, d)
		return nil
	})

	id, _, err := s.Enqueue(ctx, mq.ExecuteJob{TaskID: 5, AccountID: 1, URL: "https://a.example/u"})
	require.NoError(t, err)
	cause := errors.New("server returned 503")

	claim(t, s, pub)
	d, err := s.Fail(ctx, id, cause)
	require.NoError(t, err)
	assert.True(t, d.Retry)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, c.t.Add(5*time.Second), d.NextRunAt)

	rec, _ := jobs.GetJob(ctx, id)
	assert.Equal(t, model.JobDelayed, rec.Status)
	assert.Equal(t, 1, rec.AttemptsMade)

	n, err := s.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due before backoff elapses")

	c.advance(5 * time.Second)
	env := claim(t, s, pub)
	assert.Equal(t, 2, env.Attempt)
	d, err = s.Fail(ctx, id, cause)
	require.NoError(t, err)
	assert.True(t, d.Retry)
	assert.Equal(t, c.t.Add(10*time.Second), d.NextRunAt)

	c.advance(10 * time.Second)
	claim(t, s, pub)
	d, err = s.Fail(ctx, id, cause)
	require.NoError(t, err)
	assert.False(t, d.Retry, "attempts exhausted")
	assert.Equal(t, 3, d.Attempt)

	rec, _ = jobs.GetJob(ctx, id)
	assert.Equal(t, model.JobFailed, rec.Status)
	assert.Equal(t, 3, rec.AttemptsMade)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "server returned 503", *rec.LastError)
	assert.Len(t, hookCalls, 3)
}

func TestFail_NonRetryableFailsImmediately(t *testing.T) {
	for name, cause := range map[string]error{
		"credential": util.Credential(errors.New("invalid_grant")),
		"permanent":  util.Permanent(errors.New("status 410")),
	} {
		t.Run(name, func(t *testing.T) {
			s, jobs, pub, _ := newTestScheduler(t)
			ctx := context.Background()
			id, _, err := s.Enqueue(ctx, mq.ScanJob{AccountID: 1})
			require.NoError(t, err)
			claim(t, s, pub)

			d, err := s.Fail(ctx, id, cause)
			require.NoError(t, err)
			assert.False(t, d.Retry)

			rec, _ := jobs.GetJob(ctx, id)
			assert.Equal(t, model.JobFailed, rec.Status)
		})
	}
}

func TestFail_HookErrorLeavesJobActive(t *testing.T) {
	s, jobs, pub, _ := newTestScheduler(t)
	ctx := context.Background()
	s.OnFailed(mq.KindScan, func(context.Context, mq.Job, error, Decision) error {
		return errors.New("db down")
	})

	id, _, err := s.Enqueue(ctx, mq.ScanJob{AccountID: 1})
	require.NoError(t, err)
	claim(t, s, pub)

	_, err = s.Fail(ctx, id, errors.New("boom"))
	require.Error(t, err)
	rec, _ := jobs.GetJob(ctx, id)
	assert.Equal(t, model.JobActive, rec.Status)
	assert.Zero(t, rec.AttemptsMade)
}

func TestFail_NotActive(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	id, _, err := s.Enqueue(context.Background(), mq.ScanJob{AccountID: 1})
	require.NoError(t, err)
	_, err = s.Fail(context.Background(), id, errors.New("boom"))
	assert.Error(t, err)
}

func TestRecoverStalled(t *testing.T) {
	s, jobs, pub, c := newTestScheduler(t)
	ctx := context.Background()
	id, _, err := s.Enqueue(ctx, mq.ScanJob{AccountID: 1})
	require.NoError(t, err)
	claim(t, s, pub)

	n, err := s.RecoverStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.advance(11 * time.Minute)
	n, err = s.RecoverStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := jobs.GetJob(ctx, id)
	assert.Equal(t, model.JobDelayed, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "stalled")
}

func TestPrune(t *testing.T) {
	s, jobs, pub, c := newTestScheduler(t)
	s.cfg.Retention.Completed = RetentionRule{Count: 2, Age: time.Hour}
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		_, _, err := s.Enqueue(ctx, mq.ScanJob{AccountID: i})
		require.NoError(t, err)
		env := claim(t, s, pub)
		require.NoError(t, s.Complete(ctx, env.JobID))
		c.advance(time.Minute)
	}

	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	left, err := jobs.ListJobs(ctx, model.JobCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestErrorMessage_TruncatesOnRuneBoundary(t *testing.T) {
	// é 是两个字节，落在第 1000 字节的边界上
	msg := errorMessage(errors.New(strings.Repeat("a", 999) + "é tail"))
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, strings.Repeat("a", 999), msg)

	msg = errorMessage(errors.New("bad \xff byte"))
	assert.True(t, utf8.ValidString(msg))
	assert.Empty(t, errorMessage(nil))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoff(BackoffExponential, 5*time.Second, 1))
	assert.Equal(t, 10*time.Second, backoff(BackoffExponential, 5*time.Second, 2))
	assert.Equal(t, 20*time.Second, backoff(BackoffExponential, 5*time.Second, 3))
	assert.Equal(t, time.Hour, backoff(BackoffExponential, 5*time.Second, 40))
	assert.Equal(t, 5*time.Second, backoff(BackoffFixed, 5*time.Second, 3))
}

func TestStartShutdown(t *testing.T) {
	s, _, pub, _ := newTestScheduler(t)
	s.cfg.DispatchInterval = 10 * time.Millisecond
	s.now = func() time.Time { return time.Now().UTC() }

	_, _, err := s.Enqueue(context.Background(), mq.ScanJob{AccountID: 1})
	require.NoError(t, err)

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.sent) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
