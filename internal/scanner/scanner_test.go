package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/mailbox"
	"cleanbox/internal/model"
	"cleanbox/internal/registry"
	"cleanbox/internal/store/memory"
	"cleanbox/pkg/util"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu       sync.Mutex
	labels   map[string][]string // label -> ids, paged two at a time
	messages map[string]*mailbox.Message
	failing  map[string]error
	listErr  error
	gets     int
}

func (p *fakeProvider) RefreshAccessToken(context.Context, string) (mailbox.Token, error) {
	return mailbox.Token{}, errors.New("not used")
}

func (p *fakeProvider) ListMessageIDs(_ context.Context, _ mailbox.Auth, q mailbox.ListQuery) (mailbox.Page, error) {
	if p.listErr != nil {
		return mailbox.Page{}, p.listErr
	}
	all := p.labels[q.Label]
	start := 0
	if q.PageToken != "" {
		fmt.Sscanf(q.PageToken, "%d", &start)
	}
	end := start + 2
	if end >= len(all) {
		return mailbox.Page{IDs: all[start:]}, nil
	}
	return mailbox.Page{IDs: all[start:end], NextPageToken: fmt.Sprint(end)}, nil
}

func (p *fakeProvider) GetMessageHeaders(_ context.Context, _ mailbox.Auth, id string, _ []string) (*mailbox.Message, error) {
	p.mu.Lock()
	p.gets++
	p.mu.Unlock()
	if err, ok := p.failing[id]; ok {
		return nil, err
	}
	m, ok := p.messages[id]
	if !ok {
		return nil, mailbox.ErrMessageNotFound
	}
	return m, nil
}

type fakeResolver struct{ err error }

func (r fakeResolver) Resolve(_ context.Context, accountID int64) (*model.MailboxAccount, mailbox.Auth, error) {
	if r.err != nil {
		return nil, mailbox.Auth{}, r.err
	}
	return &model.MailboxAccount{ID: accountID}, mailbox.Auth{AccountID: accountID, AccessToken: "at"}, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []mq.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job mq.Job) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return int64(len(q.jobs)), true, nil
}

func message(id, from, listUnsub, post string, age time.Duration) *mailbox.Message {
	return &mailbox.Message{
		ID:           id,
		InternalDate: now.Add(-age),
		Headers: map[string]string{
			"from":                  from,
			"list-unsubscribe":      listUnsub,
			"list-unsubscribe-post": post,
		},
	}
}

func newFixture(requireApproval bool) (*fakeProvider, *memory.Store, *recordingQueue, *Scanner) {
	p := &fakeProvider{
		labels: map[string][]string{
			mailbox.LabelInbox:      {"m1", "m2", "m3"},
			mailbox.LabelPromotions: {"m2", "m4", "gone"},
		},
		messages: map[string]*mailbox.Message{
			"m1": message("m1", `"Shop" <news@shop.example>`, "<https://shop.example/u?id=1>, <mailto:unsub@shop.example>", "List-Unsubscribe=One-Click", time.Hour),
			"m2": message("m2", "Shop <news@shop.example>", "<https://shop.example/u?id=2>", "", 2*time.Hour),
			"m3": message("m3", "Old <old@old.example>", "<https://old.example/u>", "", 40*24*time.Hour),
			"m4": message("m4", "No List <x@plain.example>", "", "", time.Hour),
		},
	}
	st := memory.New()
	q := &recordingQueue{}
	s := New(p, fakeResolver{}, registry.New(st, requireApproval), q, Config{Concurrency: 4}, zap.NewNop())
	s.now = func() time.Time { return now }
	return p, st, q, s
}

func TestScan_DiscoversAndDedupes(t *testing.T) {
	p, st, q, s := newFixture(true)

	res, err := s.Scan(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 5, res.MessagesListed, "m2 listed under both labels counts once")
	assert.Equal(t, 4, res.MessagesProcessed, "gone is skipped")
	assert.Equal(t, 3, res.ChannelsFound)
	assert.Equal(t, 3, res.Created)
	assert.Zero(t, res.FetchErrors)
	assert.Zero(t, res.Enqueued, "pending tasks wait for approval")
	assert.Empty(t, q.jobs)
	assert.Equal(t, 5, p.gets)

	senders, subs, tasks := st.Counts()
	assert.Equal(t, 1, senders, "one sender domain")
	assert.Equal(t, 2, subs, "https origin and mailto address")
	assert.Equal(t, 3, tasks, "one task per exact url")
}

func TestScan_RerunCreatesNothing(t *testing.T) {
	_, st, _, s := newFixture(true)
	ctx := context.Background()

	_, err := s.Scan(ctx, 1)
	require.NoError(t, err)
	res, err := s.Scan(ctx, 1)
	require.NoError(t, err)

	assert.Zero(t, res.Created)
	_, _, tasks := st.Counts()
	assert.Equal(t, 3, tasks)
}

func TestScan_EnqueuesQueuedTasks(t *testing.T) {
	_, _, q, s := newFixture(false)

	res, err := s.Scan(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Enqueued)
	require.Len(t, q.jobs, 3)

	var oneClick int
	for _, j := range q.jobs {
		ej := j.(mq.ExecuteJob)
		assert.Equal(t, int64(1), ej.AccountID)
		if ej.OneClick {
			oneClick++
		}
	}
	assert.Equal(t, 2, oneClick, "both m1 channels carry the one-click hint")
}

func TestScan_FetchErrorsCounted(t *testing.T) {
	p, _, _, s := newFixture(true)
	p.failing = map[string]error{"m4": errors.New("backend error 500")}

	res, err := s.Scan(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FetchErrors)
	assert.Equal(t, 3, res.MessagesProcessed)
}

func TestScan_Aborts(t *testing.T) {
	p, _, _, s := newFixture(true)
	p.listErr = errors.New("quota exceeded")
	_, err := s.Scan(context.Background(), 1)
	assert.ErrorContains(t, err, "quota exceeded")

	_, _, _, s = newFixture(true)
	s.resolver = fakeResolver{err: util.Credential(mailbox.ErrReconnectRequired)}
	_, err = s.Scan(context.Background(), 1)
	assert.True(t, util.IsCredentialError(err))
}

func TestScan_MaxMessagesCap(t *testing.T) {
	p, _, _, s := newFixture(true)
	s.cfg.MaxMessages = 2

	res, err := s.Scan(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.MessagesListed)
	assert.Equal(t, 2, p.gets)
}

func TestScan_ConcurrentScansMatchSingleRun(t *testing.T) {
	_, want, _, single := newFixture(true)
	_, err := single.Scan(context.Background(), 1)
	require.NoError(t, err)
	wantSenders, wantSubs, wantTasks := want.Counts()

	_, st, _, s := newFixture(true)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Scan(context.Background(), 1)
			assert.NoError(t, err)
			if res != nil {
				mu.Lock()
				created += res.Created
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	senders, subs, tasks := st.Counts()
	assert.Equal(t, wantSenders, senders)
	assert.Equal(t, wantSubs, subs)
	assert.Equal(t, wantTasks, tasks)
	assert.Equal(t, wantTasks, created, "each task is created by exactly one scan")
}
