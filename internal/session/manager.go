package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/tokenize"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Manager owns all live sessions and their lifecycle: creation, reuse,
// TTL-based replacement, and the background sweep of expired sessions.
type Manager struct {
	ws     *workspace.Workspace
	logger *slog.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	sessions map[Key]*Session

	// onCount, when set, receives the live session count after changes.
	onCount func(int)
}

// NewManager creates a Manager and starts the expiry sweeper.
func NewManager(ws *workspace.Workspace, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		ws:       ws,
		logger:   logger,
		sessions: make(map[Key]*Session),
		cron:     cron.New(),
	}
	if _, err := m.cron.AddFunc("@every 1m", m.sweep); err != nil {
		return nil, fmt.Errorf("scheduling session sweeper: %w", err)
	}
	m.cron.Start()
	return m, nil
}

// OnCountChange registers a callback receiving the live session count.
func (m *Manager) OnCountChange(fn func(int)) {
	m.mu.Lock()
	m.onCount = fn
	m.mu.Unlock()
}

// GetOrCreate returns the live session for key, replacing it if expired,
// and refreshes its mounts against the given catalog. The whole operation
// runs under one lock so concurrent executions for the same key share a
// single session.
func (m *Manager) GetOrCreate(key Key, pol policy.Policy, tools []catalog.Tool, skills []catalog.Skill) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := time.Duration(pol.Limits.SessionTTLSeconds) * time.Second
	now := time.Now()

	if s, ok := m.sessions[key]; ok {
		if !s.Expired(now, ttl) {
			if err := s.Refresh(tools, skills); err != nil {
				return nil, fmt.Errorf("refreshing session %s: %w", s.ID, err)
			}
			s.Touch()
			return s, nil
		}
		m.destroyLocked(key, s, "expired")
	}

	var tokenTypes []string
	if pol.Tokenization.Enabled {
		tokenTypes = pol.Tokenization.Types
	}
	id := uuid.NewString()
	s := &Session{
		ID:         id,
		Key:        key,
		Root:       m.ws.SessionRoot(key.DeploymentID, key.Caller, id),
		Policy:     pol,
		Tokens:     tokenize.NewContext(tokenTypes),
		CreatedAt:  now,
		LastUsedAt: now,
		tools:      make(map[string]catalog.Tool),
		aliases:    make(map[string][]string),
	}
	if err := s.ensureMounts(); err != nil {
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}
	if err := s.Refresh(tools, skills); err != nil {
		_ = s.Destroy()
		return nil, fmt.Errorf("populating session %s: %w", id, err)
	}

	m.sessions[key] = s
	m.notifyCountLocked()
	m.logger.Info("session created",
		slog.String("session_id", id),
		slog.String("deployment", key.DeploymentID),
		slog.String("caller", key.Caller),
		slog.String("language", key.Language),
	)
	return s, nil
}

// Info describes a live session for listings.
type Info struct {
	SessionID    string    `json:"session_id"`
	DeploymentID string    `json:"deployment_id"`
	Caller       string    `json:"caller"`
	Language     string    `json:"language"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Active lists live sessions, optionally filtered by deployment.
func (m *Manager) Active(deploymentID string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Info
	for key, s := range m.sessions {
		if deploymentID != "" && key.DeploymentID != deploymentID {
			continue
		}
		s.mu.Lock()
		out = append(out, Info{
			SessionID:    s.ID,
			DeploymentID: key.DeploymentID,
			Caller:       key.Caller,
			Language:     key.Language,
			CreatedAt:    s.CreatedAt,
			LastUsedAt:   s.LastUsedAt,
		})
		s.mu.Unlock()
	}
	return out
}

// Destroy removes the session for key, if any.
func (m *Manager) Destroy(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		m.destroyLocked(key, s, "requested")
	}
}

// sweep destroys every expired session. Runs on the cron schedule.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, s := range m.sessions {
		ttl := time.Duration(s.Policy.Limits.SessionTTLSeconds) * time.Second
		if s.Expired(now, ttl) {
			m.destroyLocked(key, s, "expired")
		}
	}
}

// Close stops the sweeper and destroys all sessions.
func (m *Manager) Close() {
	ctx := m.cron.Stop()
	<-ctx.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		m.destroyLocked(key, s, "shutdown")
	}
}

// destroyLocked removes one session. Callers hold m.mu.
func (m *Manager) destroyLocked(key Key, s *Session, reason string) {
	if err := s.Destroy(); err != nil {
		m.logger.Error("destroying session",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
	delete(m.sessions, key)
	m.notifyCountLocked()
	m.logger.Info("session destroyed",
		slog.String("session_id", s.ID),
		slog.String("reason", reason),
	)
}

func (m *Manager) notifyCountLocked() {
	if m.onCount != nil {
		m.onCount(len(m.sessions))
	}
}
