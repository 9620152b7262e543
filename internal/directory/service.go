package directory

import (
	"context"
	"fmt"
	"log"

	"github.com/referly/messenger/internal/chat"
)

// EligibleRoles returns the roles a user with role may start conversations
// with. Admins see every role.
func EligibleRoles(role string) []string {
	switch role {
	case chat.RoleCandidate:
		return []string{chat.RoleReferrer}
	case chat.RoleReferrer:
		return []string{chat.RoleCandidate}
	case chat.RolePoster:
		return []string{chat.RoleReferrer}
	case chat.RoleAdmin:
		return []string{chat.RoleCandidate, chat.RoleReferrer, chat.RolePoster, chat.RoleAdmin}
	default:
		return nil
	}
}

// Service answers directory questions for the messenger.
type Service struct {
	store *Store
}

// NewService creates a service over store.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Profile loads one user.
func (s *Service) Profile(ctx context.Context, userID string) (chat.User, error) {
	return s.store.Get(ctx, userID)
}

// ListEligibleCounterparts returns the users viewerID may message.
func (s *Service) ListEligibleCounterparts(ctx context.Context, viewerID string) ([]chat.User, error) {
	viewer, err := s.store.Get(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	roles := EligibleRoles(viewer.Role)
	if len(roles) == 0 {
		log.Printf("[directory] user=%s has role %q with no eligible counterparts", viewerID, viewer.Role)
		return nil, nil
	}
	users, err := s.store.ListByRoles(ctx, roles, viewerID)
	if err != nil {
		return nil, fmt.Errorf("directory: eligible counterparts of %s: %w", viewerID, err)
	}
	return users, nil
}

// ChatUpserter writes a user record into the chat backend.
type ChatUpserter interface {
	UpsertUser(ctx context.Context, u chat.User) error
}

// Syncer copies directory profiles into the chat backend so a channel can
// reference a counterpart who never connected to chat.
type Syncer struct {
	store *Store
	chat  ChatUpserter
}

// NewSyncer creates a syncer.
func NewSyncer(store *Store, upserter ChatUpserter) *Syncer {
	return &Syncer{store: store, chat: upserter}
}

// SyncCounterpart loads userID from the directory and upserts it into the
// chat backend.
func (s *Syncer) SyncCounterpart(ctx context.Context, userID string) error {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.chat.UpsertUser(ctx, u); err != nil {
		return fmt.Errorf("directory: sync %s: %w", userID, err)
	}
	log.Printf("[directory] synced user=%s to chat", userID)
	return nil
}
