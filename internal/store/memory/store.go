// Package memory is a mutex-serialized Store used by tests and local runs.
// Transactions work on a copy that replaces the live data on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
)

type data struct {
	accounts      map[int64]model.MailboxAccount
	senders       map[int64]model.Sender
	subscriptions map[int64]model.Subscription
	tasks         map[int64]model.UnsubscribeTask
	nextID        int64
}

func newData() *data {
	return &data{
		accounts:      map[int64]model.MailboxAccount{},
		senders:       map[int64]model.Sender{},
		subscriptions: map[int64]model.Subscription{},
		tasks:         map[int64]model.UnsubscribeTask{},
	}
}

func (d *data) clone() *data {
	c := &data{
		accounts:      make(map[int64]model.MailboxAccount, len(d.accounts)),
		senders:       make(map[int64]model.Sender, len(d.senders)),
		subscriptions: make(map[int64]model.Subscription, len(d.subscriptions)),
		tasks:         make(map[int64]model.UnsubscribeTask, len(d.tasks)),
		nextID:        d.nextID,
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.senders {
		c.senders[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	return c
}

func (d *data) id() int64 {
	d.nextID++
	return d.nextID
}

type Store struct {
	mu sync.Mutex
	d  *data
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{d: newData()}
}

func (s *Store) WithTx(ctx context.Context, fn func(q store.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	if err := fn(&querier{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func call[T any](s *Store, fn func(q *querier) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&querier{d: s.d})
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*model.MailboxAccount, error) {
	return call(s, func(q *querier) (*model.MailboxAccount, error) { return q.GetAccount(ctx, id) })
}

func (s *Store) GetActiveAccount(ctx context.Context, userID int64) (*model.MailboxAccount, error) {
	return call(s, func(q *querier) (*model.MailboxAccount, error) { return q.GetActiveAccount(ctx, userID) })
}

func (s *Store) ListAccounts(ctx context.Context, userID int64) ([]*model.MailboxAccount, error) {
	return call(s, func(q *querier) ([]*model.MailboxAccount, error) { return q.ListAccounts(ctx, userID) })
}

func (s *Store) UpsertAccount(ctx context.Context, a *model.MailboxAccount) (*model.MailboxAccount, error) {
	return call(s, func(q *querier) (*model.MailboxAccount, error) { return q.UpsertAccount(ctx, a) })
}

func (s *Store) UpdateAccountCredentials(ctx context.Context, id int64, u store.CredentialUpdate) error {
	_, err := call(s, func(q *querier) (struct{}, error) { return struct{}{}, q.UpdateAccountCredentials(ctx, id, u) })
	return err
}

func (s *Store) SetActiveAccount(ctx context.Context, userID, accountID int64) error {
	_, err := call(s, func(q *querier) (struct{}, error) { return struct{}{}, q.SetActiveAccount(ctx, userID, accountID) })
	return err
}

func (s *Store) DisconnectAccount(ctx context.Context, id int64) error {
	_, err := call(s, func(q *querier) (struct{}, error) { return struct{}{}, q.DisconnectAccount(ctx, id) })
	return err
}

func (s *Store) UpsertSender(ctx context.Context, domain string, name *string) (*model.Sender, error) {
	return call(s, func(q *querier) (*model.Sender, error) { return q.UpsertSender(ctx, domain, name) })
}

func (s *Store) UpsertSubscription(ctx context.Context, accountID, senderID int64, canonicalID string, seenAt time.Time) (*model.Subscription, error) {
	return call(s, func(q *querier) (*model.Subscription, error) {
		return q.UpsertSubscription(ctx, accountID, senderID, canonicalID, seenAt)
	})
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	return call(s, func(q *querier) (*model.Subscription, error) { return q.GetSubscription(ctx, id) })
}

func (s *Store) MarkSubscriptionUnsubscribed(ctx context.Context, id int64, at time.Time) error {
	_, err := call(s, func(q *querier) (struct{}, error) { return struct{}{}, q.MarkSubscriptionUnsubscribed(ctx, id, at) })
	return err
}

func (s *Store) InsertTaskIfAbsent(ctx context.Context, t *model.UnsubscribeTask) (*model.UnsubscribeTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&querier{d: s.d}).InsertTaskIfAbsent(ctx, t)
}

func (s *Store) GetTask(ctx context.Context, id int64) (*model.UnsubscribeTask, error) {
	return call(s, func(q *querier) (*model.UnsubscribeTask, error) { return q.GetTask(ctx, id) })
}

func (s *Store) GetTaskForUpdate(ctx context.Context, id int64) (*model.UnsubscribeTask, error) {
	return s.GetTask(ctx, id)
}

func (s *Store) UpdateTask(ctx context.Context, t *model.UnsubscribeTask) error {
	_, err := call(s, func(q *querier) (struct{}, error) { return struct{}{}, q.UpdateTask(ctx, t) })
	return err
}

func (s *Store) ListTasks(ctx context.Context, f model.TaskFilter) ([]*model.TaskView, error) {
	return call(s, func(q *querier) ([]*model.TaskView, error) { return q.ListTasks(ctx, f) })
}

func (s *Store) ListTasksUpdatedBefore(ctx context.Context, status model.TaskStatus, before time.Time, limit int) ([]*model.UnsubscribeTask, error) {
	return call(s, func(q *querier) ([]*model.UnsubscribeTask, error) {
		return q.ListTasksUpdatedBefore(ctx, status, before, limit)
	})
}

func (s *Store) TaskStats(ctx context.Context, accountID int64) (model.TaskStats, error) {
	return call(s, func(q *querier) (model.TaskStats, error) { return q.TaskStats(ctx, accountID) })
}

// Counts returns row counts, for assertions in tests.
func (s *Store) Counts() (senders, subscriptions, tasks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.d.senders), len(s.d.subscriptions), len(s.d.tasks)
}

// querier operates on data without locking; the owner holds the mutex.
type querier struct {
	d *data
}

func (q *querier) GetAccount(_ context.Context, id int64) (*model.MailboxAccount, error) {
	a, ok := q.d.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (q *querier) GetActiveAccount(_ context.Context, userID int64) (*model.MailboxAccount, error) {
	for _, a := range q.d.accounts {
		if a.UserID == userID && a.IsActive {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (q *querier) ListAccounts(_ context.Context, userID int64) ([]*model.MailboxAccount, error) {
	var out []*model.MailboxAccount
	for _, a := range q.d.accounts {
		if a.UserID == userID {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *querier) UpsertAccount(_ context.Context, in *model.MailboxAccount) (*model.MailboxAccount, error) {
	now := time.Now().UTC()
	var saved model.MailboxAccount
	found := false
	for id, a := range q.d.accounts {
		if a.UserID == in.UserID && a.Email == in.Email {
			a.Provider = in.Provider
			a.AccessToken = in.AccessToken
			if in.RefreshTokenEnc != "" {
				a.RefreshTokenEnc = in.RefreshTokenEnc
			}
			a.TokenExpiry = in.TokenExpiry
			a.Scopes = in.Scopes
			a.IsActive = true
			a.UpdatedAt = now
			q.d.accounts[id] = a
			saved = a
			found = true
			break
		}
	}
	if !found {
		saved = *in
		saved.ID = q.d.id()
		saved.IsActive = true
		saved.CreatedAt = now
		saved.UpdatedAt = now
		q.d.accounts[saved.ID] = saved
	}

	for id, a := range q.d.accounts {
		if a.UserID == in.UserID && id != saved.ID && a.IsActive {
			a.IsActive = false
			q.d.accounts[id] = a
		}
	}
	return &saved, nil
}

func (q *querier) UpdateAccountCredentials(_ context.Context, id int64, u store.CredentialUpdate) error {
	a, ok := q.d.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	exp := u.Expiry
	a.AccessToken = u.AccessToken
	a.TokenExpiry = &exp
	if u.RefreshTokenEnc != nil {
		a.RefreshTokenEnc = *u.RefreshTokenEnc
	}
	a.UpdatedAt = time.Now().UTC()
	q.d.accounts[id] = a
	return nil
}

func (q *querier) SetActiveAccount(_ context.Context, userID, accountID int64) error {
	target, ok := q.d.accounts[accountID]
	if !ok || target.UserID != userID {
		return store.ErrNotFound
	}
	for id, a := range q.d.accounts {
		if a.UserID == userID {
			a.IsActive = id == accountID
			q.d.accounts[id] = a
		}
	}
	return nil
}

func (q *querier) DisconnectAccount(_ context.Context, id int64) error {
	a, ok := q.d.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.AccessToken = ""
	a.RefreshTokenEnc = ""
	a.TokenExpiry = nil
	a.IsActive = false
	a.UpdatedAt = time.Now().UTC()
	q.d.accounts[id] = a
	return nil
}

func (q *querier) UpsertSender(_ context.Context, domain string, name *string) (*model.Sender, error) {
	for id, s := range q.d.senders {
		if s.Domain == domain {
			if s.Name == nil && name != nil {
				n := *name
				s.Name = &n
				q.d.senders[id] = s
			}
			return &s, nil
		}
	}
	s := model.Sender{ID: q.d.id(), Domain: domain, CreatedAt: time.Now().UTC()}
	if name != nil {
		n := *name
		s.Name = &n
	}
	q.d.senders[s.ID] = s
	return &s, nil
}

func (q *querier) UpsertSubscription(_ context.Context, accountID, senderID int64, canonicalID string, seenAt time.Time) (*model.Subscription, error) {
	for id, sub := range q.d.subscriptions {
		if sub.AccountID == accountID && sub.CanonicalID == canonicalID {
			sub.LastSeenAt = seenAt
			q.d.subscriptions[id] = sub
			return &sub, nil
		}
	}
	sub := model.Subscription{
		ID:          q.d.id(),
		AccountID:   accountID,
		SenderID:    senderID,
		CanonicalID: canonicalID,
		LastSeenAt:  seenAt,
		CreatedAt:   seenAt,
	}
	q.d.subscriptions[sub.ID] = sub
	return &sub, nil
}

func (q *querier) GetSubscription(_ context.Context, id int64) (*model.Subscription, error) {
	sub, ok := q.d.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sub, nil
}

func (q *querier) MarkSubscriptionUnsubscribed(_ context.Context, id int64, at time.Time) error {
	sub, ok := q.d.subscriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sub.Unsubscribed {
		return nil
	}
	sub.Unsubscribed = true
	sub.UnsubscribedAt = &at
	q.d.subscriptions[id] = sub
	return nil
}

func (q *querier) InsertTaskIfAbsent(_ context.Context, in *model.UnsubscribeTask) (*model.UnsubscribeTask, bool, error) {
	for _, t := range q.d.tasks {
		if t.SubscriptionID == in.SubscriptionID && t.URL == in.URL {
			return &t, false, nil
		}
	}
	t := *in
	t.ID = q.d.id()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	q.d.tasks[t.ID] = t
	return &t, true, nil
}

func (q *querier) GetTask(_ context.Context, id int64) (*model.UnsubscribeTask, error) {
	t, ok := q.d.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (q *querier) GetTaskForUpdate(ctx context.Context, id int64) (*model.UnsubscribeTask, error) {
	return q.GetTask(ctx, id)
}

func (q *querier) UpdateTask(_ context.Context, t *model.UnsubscribeTask) error {
	if _, ok := q.d.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	q.d.tasks[t.ID] = *t
	return nil
}

func (q *querier) ListTasks(_ context.Context, f model.TaskFilter) ([]*model.TaskView, error) {
	var out []*model.TaskView
	for _, t := range q.d.tasks {
		if f.AccountID != 0 && t.AccountID != f.AccountID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, t.Status) {
			continue
		}
		v := &model.TaskView{UnsubscribeTask: t}
		if sub, ok := q.d.subscriptions[t.SubscriptionID]; ok {
			v.CanonicalID = sub.CanonicalID
			if s, ok := q.d.senders[sub.SenderID]; ok {
				v.SenderDomain = s.Domain
				v.SenderName = s.Name
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *querier) ListTasksUpdatedBefore(_ context.Context, status model.TaskStatus, before time.Time, limit int) ([]*model.UnsubscribeTask, error) {
	var out []*model.UnsubscribeTask
	for _, t := range q.d.tasks {
		if t.Status == status && t.UpdatedAt.Before(before) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *querier) TaskStats(_ context.Context, accountID int64) (model.TaskStats, error) {
	var st model.TaskStats
	for _, t := range q.d.tasks {
		if t.AccountID != accountID {
			continue
		}
		st.TotalAttempted++
		switch t.Status {
		case model.StatusSuccess:
			st.Successful++
		case model.StatusFailed:
			st.Failed++
		case model.StatusPendingApproval:
			st.Pending++
		}
	}
	st.EmailsAvoidedEstimate = st.Successful * model.EmailsAvoidedPerUnsubscribe
	return st, nil
}

func hasStatus(list []model.TaskStatus, s model.TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
