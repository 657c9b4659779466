package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanbox/internal/mailbox"
	"cleanbox/pkg/util"
)

func fakeGmail(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		assert.Equal(t, "CATEGORY_PROMOTIONS", r.URL.Query().Get("labelIds"))
		assert.Equal(t, "newer_than:30d", r.URL.Query().Get("q"))
		resp := map[string]any{"messages": []map[string]string{{"id": "m1"}, {"id": "m2"}}}
		if r.URL.Query().Get("pageToken") == "" {
			resp["nextPageToken"] = "p2"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "metadata", r.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "m1",
			"internalDate": "1714557600000",
			"payload": map[string]any{"headers": []map[string]string{
				{"name": "From", "value": "Shop <news@shop.example>"},
				{"name": "List-Unsubscribe", "value": "<https://shop.example/u>"},
			}},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/revoked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 401, "message": "Invalid Credentials"}})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_ListAndGet(t *testing.T) {
	srv := fakeGmail(t)
	p := New(Config{Endpoint: srv.URL + "/"})
	auth := mailbox.Auth{AccountID: 1, AccessToken: "at"}
	ctx := context.Background()

	page, err := p.ListMessageIDs(ctx, auth, mailbox.ListQuery{
		Label: mailbox.LabelPromotions, NewerThan: 30 * 24 * time.Hour, PageSize: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, page.IDs)
	assert.Equal(t, "p2", page.NextPageToken)

	msg, err := p.GetMessageHeaders(ctx, auth, "m1", []string{"From", "List-Unsubscribe"})
	require.NoError(t, err)
	assert.Equal(t, "Shop <news@shop.example>", msg.Header("from"))
	assert.Equal(t, "<https://shop.example/u>", msg.Header("List-Unsubscribe"))
	assert.Equal(t, time.UnixMilli(1714557600000).UTC(), msg.InternalDate)

	_, err = p.GetMessageHeaders(ctx, auth, "gone", []string{"From"})
	assert.ErrorIs(t, err, mailbox.ErrMessageNotFound)
}

func TestProvider_UnauthorizedAsksToReconnect(t *testing.T) {
	srv := fakeGmail(t)
	p := New(Config{Endpoint: srv.URL + "/"})

	_, err := p.GetMessageHeaders(context.Background(), mailbox.Auth{AccessToken: "at"}, "revoked", []string{"From"})
	require.Error(t, err)
	assert.True(t, util.IsCredentialError(err))
	assert.ErrorIs(t, err, mailbox.ErrReconnectRequired)
}

func TestProvider_RequestTimeout(t *testing.T) {
	srv := fakeGmail(t)
	p := New(Config{Endpoint: srv.URL + "/", RequestTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := p.GetMessageHeaders(context.Background(), mailbox.Auth{AccessToken: "at"}, "slow", []string{"From"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewerThan(t *testing.T) {
	assert.Equal(t, "newer_than:30d", newerThan(30*24*time.Hour))
	assert.Equal(t, "newer_than:1d", newerThan(time.Hour))
}

func TestRevoke(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm.Get("token")
	}))
	defer srv.Close()

	p := New(Config{RevokeURL: srv.URL})
	require.NoError(t, p.Revoke(context.Background(), "rt"))
	assert.Equal(t, "rt", got)
	assert.NoError(t, p.Revoke(context.Background(), ""))
}
