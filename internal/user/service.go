package user

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
)

// UserStore is the persistence surface the service needs.
type UserStore interface {
	Upsert(ctx context.Context, id, email, displayName string, imageURL *string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	CountByIDs(ctx context.Context, ids []string) (int, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

type Service struct {
	store  UserStore
	logger *logger.Logger
}

func NewService(store UserStore, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("user.service"),
	}
}

// Sync upserts the user identified by email. First login creates the row;
// later logins refresh the profile fields.
func (s *Service) Sync(ctx context.Context, input SyncInput) (*User, error) {
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" {
		return nil, apierrors.E(apierrors.KindBadRequest, "email is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apierrors.E(apierrors.KindBadRequest, "name is required")
	}

	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}

	u, err := s.store.Upsert(ctx, id, email, name, input.Image)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to sync user")
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to sync user", err)
	}

	return u, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, apierrors.E(apierrors.KindNotFound, "user not found")
		}
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load user", err)
	}
	return u, nil
}

// ResolveSubject implements auth.UserResolver.
func (s *Service) ResolveSubject(ctx context.Context, subject string) (string, string, error) {
	u, err := s.store.GetByID(ctx, subject)
	if err != nil {
		return "", "", err
	}
	return u.Email, u.DisplayName, nil
}

// AllExist reports whether every id references a persisted user. Duplicate
// ids are counted once.
func (s *Service) AllExist(ctx context.Context, ids []string) (bool, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return true, nil
	}

	count, err := s.store.CountByIDs(ctx, unique)
	if err != nil {
		return false, apierrors.Wrap(apierrors.KindInternal, "failed to validate users", err)
	}
	return count == len(unique), nil
}

// TouchLastSeen stamps the disconnect time on the user row.
func (s *Service) TouchLastSeen(ctx context.Context, id string) error {
	if err := s.store.TouchLastSeen(ctx, id, time.Now().UTC()); err != nil {
		s.logger.LogError(ctx, err, "failed to update last seen")
		return apierrors.Wrap(apierrors.KindInternal, "failed to update last seen", err)
	}
	return nil
}
