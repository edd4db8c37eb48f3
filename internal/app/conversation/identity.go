package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

const avatarBaseURL = "https://api.dicebear.com/7.x/avataaars/svg?seed="

// GoogleUser is the fixed identity behind "Continue with Google".
var GoogleUser = domain.User{
	ID:     "google-mock",
	Name:   "Google User",
	Email:  "google@example.com",
	Avatar: avatarBaseURL + "Google",
}

// NewUser builds a self-asserted identity from a name and an email.
func NewUser(name, email string) (domain.User, error) {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if name == "" || email == "" {
		return domain.User{}, domain.ErrInvalidUser
	}
	return domain.User{
		ID:     domain.UserID(generateID()),
		Name:   name,
		Email:  email,
		Avatar: avatarBaseURL + url.QueryEscape(name),
	}, nil
}

// IdentityStore persists the signed-in user under UserKey.
type IdentityStore struct {
	kv domain.KVStore
}

func NewIdentityStore(kv domain.KVStore) *IdentityStore {
	return &IdentityStore{kv: kv}
}

// Load returns nil when nobody is signed in or the entry is unreadable.
func (s *IdentityStore) Load(ctx context.Context) (*domain.User, error) {
	data, err := s.kv.Get(ctx, UserKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	var u domain.User
	if err := json.Unmarshal(data, &u); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to parse saved user", "error", err)
		return nil, nil
	}
	return &u, nil
}

func (s *IdentityStore) Save(ctx context.Context, u domain.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.kv.Put(ctx, UserKey, data); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *IdentityStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, UserKey); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}
