package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenflow/transcribe-gateway/internal/apierr"
	"github.com/lumenflow/transcribe-gateway/internal/asr"
	"github.com/lumenflow/transcribe-gateway/internal/audio"
)

// RegistryConfig configures session creation limits and sweeper cadence.
type RegistryConfig struct {
	MaxSessions        int
	SweepInterval      time.Duration
	IdleTimeout        time.Duration
	TerminalEventGrace time.Duration
	// MaxSessionDuration bounds a session's total lifetime from creation;
	// zero means unbounded. Exceeding it triggers a graceful Finish, not an
	// immediate Failed the way an idle timeout does.
	MaxSessionDuration time.Duration
	SessionCfg         Config
	AssemblerCfg       audio.Config
	AsrProfile         asr.Profile
}

// Registry owns every live Session, keyed by id. It is the only place a
// session-id-keyed structure lives outside a Session's own exclusive state —
// the ASR Client it holds is a shared connection factory, never a shared
// per-session handle.
type Registry struct {
	cfg    RegistryConfig
	client asr.Client
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopSweep chan struct{}
}

// NewRegistry creates a Registry and starts its background sweeper.
func NewRegistry(cfg RegistryConfig, client asr.Client, logger zerolog.Logger) *Registry {
	r := &Registry{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		sessions:  make(map[string]*Session),
		stopSweep: make(chan struct{}),
	}
	go r.runSweeper()
	return r
}

// GetOrCreate returns the existing session for id, or creates one if it does
// not exist yet — PCM ingest auto-creates a session on its first chunk.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, apierr.ErrCapacityExceeded
	}
	r.mu.Unlock()

	assembler, err := audio.NewAssembler(r.cfg.AssemblerCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrInternal, err)
	}

	s, err := New(ctx, id, r.cfg.SessionCfg, assembler, r.client, r.cfg.AsrProfile, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		// Lost a race with a concurrent creator; keep the one already
		// registered and discard the handle we just opened.
		r.mu.Unlock()
		s.Close()
		return existing, nil
	}
	r.sessions[id] = s
	r.mu.Unlock()

	return s, nil
}

// Get returns the session for id, or ErrUnknownSession.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apierr.ErrUnknownSession
	}
	return s, nil
}

// Remove drops a session from the registry and releases its ASR handle.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Len returns the number of sessions currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the sweeper and releases every tracked session immediately,
// without waiting for in-flight frames to drain. Prefer Shutdown for a
// process-exit path that should give sessions a chance to finish cleanly.
func (r *Registry) Close() {
	close(r.stopSweep)

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

// Shutdown marks every live session Finishing and gives them up to grace to
// drain in-flight frames and reach a terminal state, then force-closes
// whatever is left. This is the process-shutdown path (max_session_duration
// and idle eviction use their own, narrower mechanisms).
func (r *Registry) Shutdown(grace time.Duration) {
	close(r.stopSweep)

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if sess.RequestFinish() {
				_ = sess.Finish(ctx)
			}
		}(s)
	}
	wg.Wait()

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

func (r *Registry) runSweeper() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var toRemove []string
	for id, s := range r.sessions {
		state := s.State()
		switch state {
		case StateOpen, StateFinishing:
			if now.Sub(s.LastActivity()) > r.cfg.IdleTimeout {
				s.Terminate(apierr.ErrSessionIdleTimeout)
				toRemove = append(toRemove, id)
			} else if state == StateOpen && r.cfg.MaxSessionDuration > 0 && now.Sub(s.CreatedAt()) > r.cfg.MaxSessionDuration {
				s.TriggerGracefulFinish(30 * time.Second)
			}
		case StateClosed, StateFailed:
			closedAt := s.ClosedAt()
			if s.HasSubscriber() {
				toRemove = append(toRemove, id)
			} else if !closedAt.IsZero() && now.Sub(closedAt) > r.cfg.TerminalEventGrace {
				toRemove = append(toRemove, id)
			}
		}
	}
	r.mu.Unlock()

	for _, id := range toRemove {
		r.logger.Debug().Str("session_id", id).Msg("sweeping session")
		r.Remove(id)
	}
}
