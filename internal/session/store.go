package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for page session hashes.
	SessionPrefix = "page:"

	// UserPrefix keys the set of live page sessions per user.
	UserPrefix = "user_pages:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	StatusConnecting = "connecting"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Session is one open browser page.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Status     string `redis:"status"`     // connecting | ready | failed
	ChannelID  string `redis:"channel_id"` // empty when no conversation is open
	Server     string `redis:"server"`     // which messenger instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages page session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreFromClient(client, serverName), nil
}

// NewStoreFromClient wraps an existing client.
func NewStoreFromClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new page session in connecting state.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"status":      StatusConnecting,
		"channel_id":  "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, UserPrefix+userID, sessionID)
	pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// UpdateStatus updates the connection status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetChannel records the conversation the page has open. An empty id
// clears it.
func (s *Store) SetChannel(ctx context.Context, sessionID string, channelID string) error {
	return s.client.HSet(ctx, SessionPrefix+sessionID, "channel_id", channelID, "last_active", time.Now().Unix()).Err()
}

// Touch refreshes last activity and the TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ListByUser returns the ids of userID's live page sessions.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserPrefix+userID).Result()
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	if session != nil && session.UserID != "" {
		pipe.SRem(ctx, UserPrefix+session.UserID, sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
