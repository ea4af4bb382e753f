package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/events"
	"github.com/flowmesh/flowmesh/internal/events/bus"
)

// Authentication failures. The hub closes the session without state
// mutation when it sees one of these.
var (
	ErrTokenInvalid   = errors.New("registration token invalid, expired, or already used")
	ErrKeyMismatch    = errors.New("public key does not match registered agent")
	ErrAlreadyBound   = errors.New("token already bound to a different key")
	ErrEmptyPublicKey = errors.New("public key is required")
)

// Service enforces the registry invariants: immutable ids, key-to-id
// binding, single-use tokens, and monotonic per-session status.
type Service struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates a registry service.
func NewService(store *Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "registry")),
	}
}

// MintToken creates a registration token valid for ttl, with an optional
// pinned API address carried onto the resulting agent record.
func (s *Service) MintToken(ctx context.Context, ttl time.Duration, apiAddress string) (*Token, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	now := time.Now().UTC()
	t := &Token{
		Token:      hex.EncodeToString(raw),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		APIAddress: apiAddress,
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}
	s.logger.Info("Registration token minted", zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

// ListTokens returns all tokens for audit.
func (s *Service) ListTokens(ctx context.Context) ([]*Token, error) {
	return s.store.ListTokens(ctx)
}

// Register exchanges a valid unused token and a fresh public key for a new
// agent identity. The token is consumed exactly once.
func (s *Service) Register(ctx context.Context, token, publicKey, hostname, platform, observedIP string) (*Agent, error) {
	if publicKey == "" {
		return nil, ErrEmptyPublicKey
	}

	t, err := s.store.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	now := time.Now().UTC()
	if t.Used() || t.Expired(now) {
		return nil, ErrTokenInvalid
	}

	agentID := uuid.New().String()
	if err := s.store.ConsumeToken(ctx, token, agentID, now); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			// Lost the race against a concurrent consumer.
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	agent := &Agent{
		ID:            agentID,
		PublicKey:     publicKey,
		Hostname:      hostname,
		Platform:      platform,
		Status:        StatusOnline,
		LastHeartbeat: &now,
		ObservedIP:    observedIP,
		APIAddress:    t.APIAddress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent record: %w", err)
	}

	s.logger.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.String("hostname", hostname),
		zap.String("platform", platform))

	s.publish(ctx, events.AgentRegistered, agentID, map[string]interface{}{
		"hostname": hostname,
		"platform": platform,
	})
	return agent, nil
}

// Authenticate validates a reconnecting agent: the stored public key for
// the presented id must match the channel-level credential.
func (s *Service) Authenticate(ctx context.Context, agentID, publicKey string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if publicKey == "" || agent.PublicKey != publicKey {
		return nil, ErrKeyMismatch
	}
	return agent, nil
}

// AgentByPublicKey resolves an agent from a bare public key. Used by the
// Git transport, which authenticates before any id is presented.
func (s *Service) AgentByPublicKey(ctx context.Context, publicKey string) (*Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.PublicKey == publicKey {
			return a, nil
		}
	}
	return nil, ErrAgentNotFound
}

// MarkOnline transitions an agent to online and records the observed IP.
func (s *Service) MarkOnline(ctx context.Context, agentID, observedIP string) error {
	now := time.Now().UTC()
	if err := s.store.UpdateAgentStatus(ctx, agentID, StatusOnline, &now, observedIP); err != nil {
		return err
	}
	s.publish(ctx, events.AgentConnected, agentID, map[string]interface{}{"observed_ip": observedIP})
	return nil
}

// MarkOffline transitions an agent to offline.
func (s *Service) MarkOffline(ctx context.Context, agentID string) error {
	if err := s.store.UpdateAgentStatus(ctx, agentID, StatusOffline, nil, ""); err != nil {
		return err
	}
	s.publish(ctx, events.AgentOffline, agentID, nil)
	return nil
}

// Heartbeat records agent liveness and announces it on the bus.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	if err := s.store.TouchHeartbeat(ctx, agentID, time.Now().UTC()); err != nil {
		return err
	}
	s.publish(ctx, events.AgentHeartbeat, agentID, nil)
	return nil
}

// Get returns one agent record.
func (s *Service) Get(ctx context.Context, agentID string) (*Agent, error) {
	return s.store.GetAgent(ctx, agentID)
}

// List returns all agent records.
func (s *Service) List(ctx context.Context) ([]*Agent, error) {
	return s.store.ListAgents(ctx)
}

// Delete removes an agent record. Explicit admin action only.
func (s *Service) Delete(ctx context.Context, agentID string) error {
	return s.store.DeleteAgent(ctx, agentID)
}

// MirrorConfig stores the latest Git-backed config blob for an agent.
func (s *Service) MirrorConfig(ctx context.Context, agentID, configBlob string) error {
	return s.store.UpdateAgentConfig(ctx, agentID, configBlob)
}

func (s *Service) publish(ctx context.Context, eventType, agentID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["agent_id"] = agentID
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "registry", data)); err != nil {
		s.logger.Warn("Failed to publish registry event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
