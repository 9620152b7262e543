package auth

import (
	"context"
	"fmt"

	"github.com/referly/messenger/internal/chat"
)

// ProfileSource loads a user's profile.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (chat.User, error)
}

// Provider is the session token provider: it issues the chat credential of
// the signed-in user once per page load.
type Provider struct {
	profiles ProfileSource
	tokens   *ChatTokens
}

// NewProvider creates a provider.
func NewProvider(profiles ProfileSource, tokens *ChatTokens) *Provider {
	return &Provider{profiles: profiles, tokens: tokens}
}

// GetChatSession returns userID's chat credential.
func (p *Provider) GetChatSession(ctx context.Context, userID string) (chat.Credential, error) {
	u, err := p.profiles.Profile(ctx, userID)
	if err != nil {
		return chat.Credential{}, fmt.Errorf("auth: chat session for %s: %w", userID, err)
	}
	token, err := p.tokens.Issue(u.ID)
	if err != nil {
		return chat.Credential{}, fmt.Errorf("auth: chat session for %s: %w", userID, err)
	}
	return chat.Credential{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Token:       token,
	}, nil
}
