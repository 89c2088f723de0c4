package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/inkread/backend/internal/models"
)

type stubValidator struct {
	id  uuid.UUID
	err error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (uuid.UUID, error) {
	return s.id, s.err
}

type stubLoader struct {
	user *models.User
	err  error
}

func (s *stubLoader) GetByID(_ context.Context, _ uuid.UUID) (*models.User, error) {
	return s.user, s.err
}

func runUserAuth(v TokenValidator, l UserLoader, authHeader string) (*httptest.ResponseRecorder, *models.User) {
	var seen *models.User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodGet, "/v1/purchases", nil)
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	UserAuth(v, l)(next).ServeHTTP(w, r)
	return w, seen
}

func TestUserAuth_LoadsUserIntoContext(t *testing.T) {
	u := &models.User{ID: uuid.New(), Tier: models.TierFree, OwnedChapters: []int32{41}}
	w, seen := runUserAuth(&stubValidator{id: u.ID}, &stubLoader{user: u}, "Bearer some.jwt.token")

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	if seen == nil || seen.ID != u.ID {
		t.Fatal("handler should see the loaded user")
	}
	if len(seen.OwnedChapters) != 1 {
		t.Error("the full user record, including ownership, must be loaded")
	}
}

func TestUserAuth_MissingHeader(t *testing.T) {
	w, seen := runUserAuth(&stubValidator{}, &stubLoader{}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", w.Code)
	}
	if seen != nil {
		t.Error("next handler must not run")
	}
}

func TestUserAuth_MalformedHeader(t *testing.T) {
	w, _ := runUserAuth(&stubValidator{}, &stubLoader{}, "Basic dXNlcjpwdw==")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", w.Code)
	}
}

func TestUserAuth_InvalidToken(t *testing.T) {
	w, _ := runUserAuth(&stubValidator{err: errors.New("expired")}, &stubLoader{}, "Bearer bad")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", w.Code)
	}
}

func TestUserAuth_UnknownUser(t *testing.T) {
	w, _ := runUserAuth(&stubValidator{id: uuid.New()}, &stubLoader{err: errors.New("no row")}, "Bearer ok")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", w.Code)
	}
}

func TestUserFromCtx_Empty(t *testing.T) {
	if UserFromCtx(context.Background()) != nil {
		t.Error("an unauthenticated context has no user")
	}
}
