package routes

import (
	"bytes"
	"chatline/chatline/controllers"
	"chatline/chatline/realtime"
	"chatline/chatline/services/auth"
	"chatline/chatline/services/llm"
	"chatline/chatline/sources/psql/dao"
	"chatline/chatline/sources/psql/models"
	"chatline/chatline/sources/psql/sqlitetest"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticGenerator struct{}

func (staticGenerator) Generate(ctx context.Context, history []models.Message, prompt string) (llm.Reply, error) {
	return llm.Reply{Content: "ok", Metadata: models.MessageMetadata{Model: "static"}}, nil
}

func (staticGenerator) Model() string { return "static" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db := sqlitetest.Open(t)
	users := dao.NewUserDAO(db)
	chats := dao.NewChatDAO(db)
	verifier, err := auth.NewVerifier("test-secret", time.Hour)
	require.NoError(t, err)

	chatCtrl := controllers.NewChatController(chats, staticGenerator{}, nil)
	registry := realtime.NewRegistry()
	srv := httptest.NewServer(NewRouter(Deps{
		Auth:   controllers.NewAuthController(users, verifier),
		Chat:   chatCtrl,
		Health: controllers.NewHealthController(registry),
		WS:     realtime.NewHandler(registry, verifier, chats, chatCtrl, realtime.SessionConfig{}),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, base, email string) string {
	t.Helper()
	creds := map[string]string{"email": email, "password": "password123"}
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", base+"/api/auth/register", "", creds, nil))
	var login struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, "POST", base+"/api/auth/login", "", creds, &login))
	require.NotEmpty(t, login.Token)
	assert.Equal(t, email, login.User.Email)
	return login.Token
}

func TestAuthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")

	var me models.User
	require.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/api/auth/me", token, nil, &me))
	assert.Equal(t, "alice@example.com", me.Email)
	assert.NotEmpty(t, me.UID)
	assert.Empty(t, me.PasswordHash)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, "GET", srv.URL+"/api/auth/me", "", nil, nil))

	var errBody map[string]string
	status := doJSON(t, "POST", srv.URL+"/api/auth/register", "",
		map[string]string{"email": "alice@example.com", "password": "password123"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, errBody["detail"])

	status = doJSON(t, "POST", srv.URL+"/api/auth/register", "",
		map[string]string{"email": "bob@example.com", "password": "short"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status = doJSON(t, "POST", srv.URL+"/api/auth/login", "",
		map[string]string{"email": "alice@example.com", "password": "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestChatEndpoints(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAndLogin(t, srv.URL, "alice@example.com")
	bob := registerAndLogin(t, srv.URL, "bob@example.com")

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, "GET", srv.URL+"/api/chats", "", nil, nil))
	assert.Equal(t, http.StatusUnprocessableEntity,
		doJSON(t, "POST", srv.URL+"/api/chats", alice, map[string]string{"title": ""}, nil))

	var first, second models.ChatRoom
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", srv.URL+"/api/chats", alice, map[string]string{"title": "First"}, &first))
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", srv.URL+"/api/chats", alice, map[string]string{"title": "Second"}, &second))
	assert.EqualValues(t, 0, first.MessageCount)

	var rooms []models.ChatRoom
	require.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/api/chats", alice, nil, &rooms))
	require.Len(t, rooms, 2)

	var got models.ChatRoom
	assert.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/api/chats/"+first.ID.String(), alice, nil, &got))
	assert.Equal(t, "First", got.Title)
	assert.Equal(t, http.StatusNotFound, doJSON(t, "GET", srv.URL+"/api/chats/"+first.ID.String(), bob, nil, nil))

	var msgs []models.Message
	assert.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/api/chats/"+first.ID.String()+"/messages", alice, nil, &msgs))
	assert.Empty(t, msgs)
	assert.Equal(t, http.StatusNotFound, doJSON(t, "GET", srv.URL+"/api/chats/"+first.ID.String()+"/messages", bob, nil, nil))

	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, "POST", srv.URL+"/api/chats/"+first.ID.String()+"/archive", alice, nil, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, "GET", srv.URL+"/api/chats/"+first.ID.String()+"/archive", alice, nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable,
		doJSON(t, "GET", srv.URL+"/api/chats/"+first.ID.String()+"/archive?key=transcripts%2Fx", alice, nil, nil))
}

func TestRootHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/health", "", nil, &health))
	assert.Equal(t, "ok", health["status"])

	var root map[string]string
	require.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/", "", nil, &root))
	assert.NotEmpty(t, root["message"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
