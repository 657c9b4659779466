package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanbox/internal/model"
	"cleanbox/internal/store/memory"
)

func strPtr(s string) *string { return &s }

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		ch        model.Channel
		canonical string
		domain    string
	}{
		{model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/unsub?x=1"}, "https://a.example", "a.example"},
		{model.Channel{Kind: model.ChannelHTTPS, URL: "HTTPS://News.A.Example:443/u"}, "https://news.a.example", "news.a.example"},
		{model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example:8443/u"}, "https://a.example:8443", "a.example"},
		{model.Channel{Kind: model.ChannelHTTPS, URL: "http://a.example/u"}, "http://a.example", "a.example"},
		{model.Channel{Kind: model.ChannelMailto, URL: "mailto:off@a.example"}, "mailto:off@a.example", "a.example"},
		{model.Channel{Kind: model.ChannelMailto, URL: "MAILTO:Off@A.Example?subject=unsubscribe"}, "mailto:off@a.example", "a.example"},
		{model.Channel{Kind: model.ChannelMailto, URL: "mailto:off%40a.example"}, "mailto:off@a.example", "a.example"},
	}
	for _, tt := range tests {
		canonical, domain, err := Canonicalize(tt.ch)
		require.NoError(t, err, tt.ch.URL)
		assert.Equal(t, tt.canonical, canonical, tt.ch.URL)
		assert.Equal(t, tt.domain, domain, tt.ch.URL)
	}

	for _, bad := range []model.Channel{
		{Kind: model.ChannelHTTPS, URL: "https:///nohost"},
		{Kind: model.ChannelMailto, URL: "mailto:?subject=x"},
		{Kind: model.ChannelMailto, URL: "mailto:nobody@"},
		{Kind: "ftp", URL: "ftp://a.example"},
	} {
		_, _, err := Canonicalize(bad)
		assert.ErrorIs(t, err, ErrUnusableChannel, bad.URL)
	}
}

func TestRegister_TwoChannelsOneSender(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := New(st, true)

	https := model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/unsub?x=1"}
	mailto := model.Channel{Kind: model.ChannelMailto, URL: "mailto:off@a.example"}

	r1, err := reg.Register(ctx, 1, strPtr("A News"), https)
	require.NoError(t, err)
	r2, err := reg.Register(ctx, 1, nil, mailto)
	require.NoError(t, err)

	assert.True(t, r1.Created)
	assert.True(t, r2.Created)
	assert.Equal(t, r1.Sender.ID, r2.Sender.ID)
	assert.NotEqual(t, r1.Subscription.ID, r2.Subscription.ID)
	assert.Equal(t, model.StatusPendingApproval, r1.Task.Status)

	senders, subs, tasks := st.Counts()
	assert.Equal(t, 1, senders)
	assert.Equal(t, 2, subs)
	assert.Equal(t, 2, tasks)
}

func TestRegister_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := New(st, false)
	ch := model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/unsub?x=1"}

	first, err := reg.Register(ctx, 1, nil, ch)
	require.NoError(t, err)
	require.True(t, first.Created)
	assert.Equal(t, model.StatusQueued, first.Task.Status)

	second, err := reg.Register(ctx, 1, strPtr("Late Name"), ch)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Task.ID, second.Task.ID)
	require.NotNil(t, second.Sender.Name, "missing sender name is filled on rediscovery")
	assert.Equal(t, "Late Name", *second.Sender.Name)

	_, subs, tasks := st.Counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, tasks)
}

func TestRegister_SenderNameNotOverwritten(t *testing.T) {
	ctx := context.Background()
	reg := New(memory.New(), true)
	ch := model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/u"}

	_, err := reg.Register(ctx, 1, strPtr("First"), ch)
	require.NoError(t, err)
	r, err := reg.Register(ctx, 1, strPtr("Second"), ch)
	require.NoError(t, err)
	assert.Equal(t, "First", *r.Sender.Name)
}

func TestRegister_ExactURLDistinctness(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := New(st, true)

	a, err := reg.Register(ctx, 1, nil, model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/u?id=1"})
	require.NoError(t, err)
	b, err := reg.Register(ctx, 1, nil, model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/u?id=2"})
	require.NoError(t, err)

	assert.Equal(t, a.Subscription.ID, b.Subscription.ID)
	assert.NotEqual(t, a.Task.ID, b.Task.ID)
	_, subs, tasks := st.Counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 2, tasks)
}

func TestRegister_UnsubscribedSkip(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := New(st, true)

	https := model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/unsub?x=1"}
	mailto := model.Channel{Kind: model.ChannelMailto, URL: "mailto:off@a.example"}

	r, err := reg.Register(ctx, 1, nil, https)
	require.NoError(t, err)
	m, err := reg.Register(ctx, 1, nil, mailto)
	require.NoError(t, err)
	require.NoError(t, st.MarkSubscriptionUnsubscribed(ctx, r.Subscription.ID, time.Now()))

	again, err := reg.Register(ctx, 1, nil, model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/unsub?x=2"})
	require.NoError(t, err)
	assert.True(t, again.Skipped())
	assert.False(t, again.Created)
	assert.True(t, again.Subscription.LastSeenAt.After(r.Subscription.LastSeenAt) ||
		again.Subscription.LastSeenAt.Equal(r.Subscription.LastSeenAt))

	mAgain, err := reg.Register(ctx, 1, nil, mailto)
	require.NoError(t, err)
	assert.False(t, mAgain.Created)
	assert.Equal(t, m.Task.ID, mAgain.Task.ID)
	assert.Equal(t, m.Task.Status, mAgain.Task.Status)

	_, _, tasks := st.Counts()
	assert.Equal(t, 2, tasks, "no task created for the unsubscribed origin")
}

func TestRegister_AccountsAreIsolated(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := New(st, true)
	ch := model.Channel{Kind: model.ChannelHTTPS, URL: "https://a.example/u"}

	a, err := reg.Register(ctx, 1, nil, ch)
	require.NoError(t, err)
	b, err := reg.Register(ctx, 2, nil, ch)
	require.NoError(t, err)

	assert.Equal(t, a.Sender.ID, b.Sender.ID)
	assert.NotEqual(t, a.Subscription.ID, b.Subscription.ID)
	assert.True(t, b.Created)
}
