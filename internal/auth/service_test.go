package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inkread/backend/internal/models"
	"github.com/inkread/backend/internal/users"
)

type memStore struct {
	byEmail map[string]*models.User
	byID    map[uuid.UUID]*models.User
}

func newMemStore() *memStore {
	return &memStore{
		byEmail: make(map[string]*models.User),
		byID:    make(map[uuid.UUID]*models.User),
	}
}

func (s *memStore) Create(_ context.Context, u *models.User) error {
	if _, exists := s.byEmail[u.Email]; exists {
		return &pgconn.PgError{Code: "23505"}
	}
	s.byEmail[u.Email] = u
	s.byID[u.ID] = u
	return nil
}

func (s *memStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	u, ok := s.byEmail[email]
	if !ok {
		return nil, users.ErrNotFound
	}
	return u, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := s.byID[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return u, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(newMemStore(), "test-secret")
	ctx := context.Background()

	u, err := svc.Register(ctx, "reader@example.com", "hunter22", "Reader")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Tier != models.TierFree {
		t.Errorf("new user tier: got %q, want free", u.Tier)
	}
	if u.PasswordHash == "hunter22" {
		t.Error("password must be hashed")
	}

	token, err := svc.Login(ctx, "reader@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != u.ID {
		t.Errorf("token subject: got %s, want %s", id, u.ID)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc := NewService(newMemStore(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "reader@example.com", "pw1", "A"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(ctx, "reader@example.com", "pw2", "B")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc := NewService(newMemStore(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "reader@example.com", "correct", "Reader"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Login(ctx, "reader@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	issuer := NewService(store, "secret-a")
	if _, err := issuer.Register(ctx, "reader@example.com", "pw", "Reader"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := issuer.Login(ctx, "reader@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	other := NewService(store, "secret-b")
	if _, err := other.ValidateToken(ctx, token); err == nil {
		t.Fatal("a token signed with a different secret must not validate")
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	svc := NewService(newMemStore(), "test-secret")
	if _, err := svc.ValidateToken(context.Background(), "not.a.jwt"); err == nil {
		t.Fatal("garbage token must not validate")
	}
}
