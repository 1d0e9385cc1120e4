package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kestrel-iot/kestrel/internal/auth"
	"github.com/kestrel-iot/kestrel/internal/shared"
	"github.com/kestrel-iot/kestrel/internal/users"
)

type stubUserRepo struct {
	users map[string]*users.User
}

func (r *stubUserRepo) FindByName(ctx context.Context, name string) (*users.User, error) {
	u, ok := r.users[name]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return u, nil
}

func (r *stubUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*users.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

type authFixture struct {
	router   chi.Router
	sessions *shared.SessionManager
	client   *redis.Client
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	repo := &stubUserRepo{users: map[string]*users.User{
		"alice": {ID: uuid.New(), ScopeID: uuid.New(), Name: "alice", PasswordHash: string(hash), IsActive: true},
		"bob":   {ID: uuid.New(), ScopeID: uuid.New(), Name: "bob", PasswordHash: string(hash), IsActive: false},
	}}

	sessions := shared.NewSessionManager(client, "kestrel_session", time.Hour, false)
	handler := auth.NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), auth.NewService(repo), sessions)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Load(r.Context(), r)
			require.NoError(t, err)
			next.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
		})
	})
	handler.MountRoutes(router)

	return &authFixture{router: router, sessions: sessions, client: client}
}

func (f *authFixture) login(t *testing.T, name, password string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{
		"name":     name,
		"password": password,
	}))
	req := httptest.NewRequest(http.MethodPost, "/login", &buf)
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func sessionCookie(t *testing.T, res *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range res.Result().Cookies() {
		if c.Name == "kestrel_session" {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestLoginSetsSession(t *testing.T) {
	f := newAuthFixture(t)

	res := f.login(t, "alice", "correct-horse")
	require.Equal(t, http.StatusOK, res.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Equal(t, "alice", body["name"])
	require.NotEmpty(t, body["user_id"])

	cookie := sessionCookie(t, res)
	require.NotEmpty(t, cookie.Value)

	// The stored session carries the principal name.
	payload, err := f.client.Get(context.Background(), "session:"+cookie.Value).Bytes()
	require.NoError(t, err)
	var stored struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(payload, &stored))
	require.Equal(t, "alice", stored.UserID)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newAuthFixture(t)

	res := f.login(t, "alice", "wrong-password")
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	f := newAuthFixture(t)

	res := f.login(t, "mallory", "correct-horse")
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	f := newAuthFixture(t)

	res := f.login(t, "bob", "correct-horse")
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLoginValidatesPayload(t *testing.T) {
	f := newAuthFixture(t)

	res := f.login(t, "al", "short")
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestLogoutDestroysSession(t *testing.T) {
	f := newAuthFixture(t)

	res := f.login(t, "alice", "correct-horse")
	require.Equal(t, http.StatusOK, res.Code)
	cookie := sessionCookie(t, res)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(cookie)
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusNoContent, out.Code)

	err := f.client.Get(context.Background(), "session:"+cookie.Value).Err()
	require.ErrorIs(t, err, redis.Nil)
}
