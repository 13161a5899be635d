package ghl

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vox_back/cache"
	"vox_back/database"
	"vox_back/envelope"
	"vox_back/tokens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	token *tokens.Token
	err   error
}

func (f *fakeStore) Get(context.Context, string) (*tokens.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.token
	return &copied, nil
}

type fakeRefresher struct {
	calls   int32
	next    string
	err     error
	gotHint string
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string, refreshToken, hint string) (*tokens.Token, error) {
	atomic.AddInt32(&f.calls, 1)
	f.gotHint = hint
	if f.err != nil {
		return nil, f.err
	}
	return &tokens.Token{AccessToken: f.next, RefreshToken: refreshToken + "-2"}, nil
}

func connectedStore() *fakeStore {
	return &fakeStore{token: &tokens.Token{AccessToken: "stale", RefreshToken: "r1", UserType: "Location", LocationID: "loc-1"}}
}

func TestClient_HeadersAndLocationDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contacts/", r.URL.Path)
		assert.Equal(t, "Bearer stale", r.Header.Get("Authorization"))
		assert.Equal(t, APIVersion, r.Header.Get("Version"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "loc-1", r.URL.Query().Get("locationId"))
		assert.Equal(t, "jane", r.URL.Query().Get("query"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"contacts":[],"meta":{"total":0}}`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, server.Client(), connectedStore(), nil, nil)
	require.NoError(t, err)

	data, err := client.SearchContacts(context.Background(), "user-1", "", "jane", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"contacts":[],"meta":{"total":0}}`, string(data))
}

func TestClient_RefreshesOnceOn401(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"Invalid JWT"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"u-crm"}`)
	}))
	defer server.Close()

	refresher := &fakeRefresher{next: "fresh"}
	client, err := NewClient(server.URL, server.Client(), connectedStore(), refresher, nil)
	require.NoError(t, err)

	data, err := client.GetCurrentUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"u-crm"}`, string(data))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
	assert.Equal(t, "Location", refresher.gotHint)
}

func TestClient_SecondFailurePropagates(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"still invalid"}`)
	}))
	defer server.Close()

	refresher := &fakeRefresher{next: "fresh"}
	client, err := NewClient(server.URL, server.Client(), connectedStore(), refresher, nil)
	require.NoError(t, err)

	_, err = client.GetLocation(context.Background(), "user-1", "loc-1")
	require.Error(t, err)
	assert.Equal(t, envelope.KindUpstream, envelope.KindOf(err))
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "still invalid")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
}

func TestClient_RefreshFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	refresher := &fakeRefresher{err: &tokens.RefreshError{StatusCode: 400, Body: "invalid_grant"}}
	client, err := NewClient(server.URL, server.Client(), connectedStore(), refresher, nil)
	require.NoError(t, err)

	_, err = client.GetCurrentUser(context.Background(), "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token refresh failed with status 400: invalid_grant")
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", nil, &fakeStore{err: tokens.ErrNotConnected}, nil, nil)
	require.NoError(t, err)

	_, err = client.GetCurrentUser(context.Background(), "user-1")
	require.Error(t, err)
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
}

func TestClient_SearchConversationsCached(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/conversations/search", r.URL.Path)
		assert.Equal(t, "loc-1", r.URL.Query().Get("locationId"))
		_, _ = io.WriteString(w, `{"conversations":[{"id":"c1"}],"total":1}`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, server.Client(), connectedStore(), nil, cache.NewMemorySearchCache(time.Minute))
	require.NoError(t, err)

	params := url.Values{"query": {"hello"}, "empty": {""}}
	for i := 0; i < 3; i++ {
		data, err := client.SearchConversations(context.Background(), "user-1", params)
		require.NoError(t, err)
		assert.Contains(t, string(data), "c1")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	_, err = client.SearchConversations(context.Background(), "user-2", params)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestClient_ContactTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"contacts":[{}],"meta":{"total":42}}`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, server.Client(), connectedStore(), nil, nil)
	require.NoError(t, err)
	total, err := client.ContactTotal(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)
}

func TestOAuth_AuthCodeURLAndExchange(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "csecret", r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":86399,"userType":"Location","locationId":"loc-7","companyId":"co-1","scope":"contacts.readonly"}`)
	}))
	defer tokenServer.Close()

	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, tokens.AutoMigrate(db))
	store := tokens.NewStore(db, nil)

	flow, err := NewOAuth(OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "csecret",
		RedirectURI:  "https://app.example.com/api/auth/ghl/callback",
		AuthorizeURL: "https://marketplace.example.com/oauth/chooselocation",
		TokenURL:     tokenServer.URL,
		Scopes:       []string{"contacts.readonly", "users.readonly"},
	}, store)
	require.NoError(t, err)

	authURL, err := url.Parse(flow.AuthCodeURL("state-123"))
	require.NoError(t, err)
	assert.Equal(t, "marketplace.example.com", authURL.Host)
	assert.Equal(t, "cid", authURL.Query().Get("client_id"))
	assert.Equal(t, "state-123", authURL.Query().Get("state"))
	assert.Equal(t, "code", authURL.Query().Get("response_type"))
	assert.True(t, strings.Contains(authURL.Query().Get("scope"), "users.readonly"))

	token, err := flow.Exchange(context.Background(), "user-1", "the-code")
	require.NoError(t, err)
	assert.Equal(t, "at", token.AccessToken)
	assert.Equal(t, "loc-7", token.LocationID)

	stored, err := store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "rt", stored.RefreshToken)
	assert.Equal(t, "co-1", stored.CompanyID)
	assert.Equal(t, "Location", stored.UserType)
}

func TestNewOAuth_RequiresCredentials(t *testing.T) {
	_, err := NewOAuth(OAuthConfig{}, nil)
	assert.Error(t, err)
}
