// Package session drives one external session per channel through the
// connection state machine. Platform adapters plug in through PlatformAdapter
// and report lifecycle changes back through Hooks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/events"
	"zapinbox/internal/models"
)

// ChannelStore is the subset of the canonical store the manager writes through.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	UpdateChannelStatus(ctx context.Context, id string, status models.ChannelStatus) error
	ActivateChannel(ctx context.Context, id, externalID, name string) (*models.Channel, error)
	UpdateChannelSession(ctx context.Context, id string, data models.JSONMap) error
}

// Snapshot is the externally visible state of a channel's session.
type Snapshot struct {
	ChannelID   string          `json:"channelId"`
	Platform    models.Platform `json:"platform"`
	State       State           `json:"state"`
	Challenge   string          `json:"challenge,omitempty"`
	ChallengeAt *time.Time      `json:"challengeAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// PairingPayload is the data of a pairing_challenge event.
type PairingPayload struct {
	State     State  `json:"state"`
	Challenge string `json:"challenge"`
}

type entry struct {
	channelID   string
	platform    models.Platform
	gen         uint64
	state       State
	session     Session
	challenge   string
	challengeAt time.Time
	lastErr     string
	updatedAt   time.Time
}

func (e *entry) snapshot() Snapshot {
	s := Snapshot{
		ChannelID: e.channelID,
		Platform:  e.platform,
		State:     e.state,
		Challenge: e.challenge,
		Error:     e.lastErr,
		UpdatedAt: e.updatedAt,
	}
	if !e.challengeAt.IsZero() {
		at := e.challengeAt
		s.ChallengeAt = &at
	}
	return s
}

// Manager is the registry of channel sessions.
type Manager struct {
	store    ChannelStore
	pub      events.Publisher
	adapters map[models.Platform]PlatformAdapter
	timeout  time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	gen     uint64
}

// NewManager builds a manager over the given adapters. Registering two adapters
// for one platform is a configuration error.
func NewManager(store ChannelStore, pub events.Publisher, adapters ...PlatformAdapter) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: session manager requires a channel store", models.ErrConfiguration)
	}
	if pub == nil {
		pub = events.Discard{}
	}
	m := &Manager{
		store:    store,
		pub:      pub,
		adapters: make(map[models.Platform]PlatformAdapter),
		timeout:  15 * time.Second,
		entries:  make(map[string]*entry),
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, dup := m.adapters[a.Platform()]; dup {
			return nil, fmt.Errorf("%w: duplicate adapter for platform %s", models.ErrConfiguration, a.Platform())
		}
		m.adapters[a.Platform()] = a
	}
	return m, nil
}

// Adapter returns the adapter registered for platform.
func (m *Manager) Adapter(platform models.Platform) (PlatformAdapter, error) {
	a, ok := m.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for platform %s", models.ErrConfiguration, platform)
	}
	return a, nil
}

// Platforms lists the platforms with a registered adapter.
func (m *Manager) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(m.adapters))
	for p := range m.adapters {
		out = append(out, p)
	}
	return out
}

// Connect starts a session for the channel. An active session is left alone;
// any other live session is torn down first.
func (m *Manager) Connect(ctx context.Context, channelID string) (Snapshot, error) {
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return Snapshot{}, err
	}
	adapter, err := m.Adapter(ch.Platform)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	e, ok := m.entries[channelID]
	if !ok {
		e = &entry{channelID: channelID, platform: ch.Platform, state: stateFromChannel(ch.Status)}
		m.entries[channelID] = e
	}
	if e.state == StateActive && e.session != nil {
		snap := e.snapshot()
		m.mu.Unlock()
		return snap, nil
	}
	stale := e.session
	e.session = nil
	m.gen++
	gen := m.gen
	e.gen = gen
	m.moveLocked(e, StateInitializing)
	e.challenge, e.challengeAt, e.lastErr = "", time.Time{}, ""
	m.mu.Unlock()

	if stale != nil {
		log.Info().Str("channelID", channelID).Msg("Tearing down stale session before re-initializing")
		m.teardown(stale, channelID, false)
	}

	log.Info().Str("channelID", channelID).Str("platform", string(ch.Platform)).Msg("Initializing channel session")
	sess, err := adapter.Initialize(ctx, ch, &hooks{m: m, channelID: channelID, gen: gen})
	if err != nil {
		m.fail(channelID, gen, err)
		snap, _ := m.Status(ctx, channelID)
		return snap, fmt.Errorf("initializing %s session: %w", ch.Platform, err)
	}

	m.mu.Lock()
	if m.entries[channelID] != e || e.gen != gen {
		m.mu.Unlock()
		// Superseded by a concurrent Connect or Disconnect.
		m.teardown(sess, channelID, false)
		return m.Status(ctx, channelID)
	}
	if e.state == StateError || e.state == StateDisconnected {
		// The session reported a terminal condition while initializing.
		m.mu.Unlock()
		m.teardown(sess, channelID, false)
		return m.Status(ctx, channelID)
	}
	e.session = sess
	snap := e.snapshot()
	m.mu.Unlock()
	return snap, nil
}

// Disconnect tears the session down unconditionally and marks the channel
// disconnected, whatever its prior state. logout also discards credentials.
func (m *Manager) Disconnect(ctx context.Context, channelID string, logout bool) error {
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.entries[channelID]
	if !ok {
		e = &entry{channelID: channelID, platform: ch.Platform, state: stateFromChannel(ch.Status)}
		m.entries[channelID] = e
	}
	sess := e.session
	e.session = nil
	m.gen++
	e.gen = m.gen
	e.state = StateDisconnected
	e.updatedAt = time.Now().UTC()
	e.challenge, e.challengeAt = "", time.Time{}
	m.mu.Unlock()

	if sess != nil {
		m.teardown(sess, channelID, logout)
	}
	if err := m.store.UpdateChannelStatus(ctx, channelID, models.ChannelDisconnected); err != nil {
		return fmt.Errorf("recording disconnect: %w", err)
	}
	log.Info().Str("channelID", channelID).Bool("logout", logout).Msg("Channel disconnected")
	return nil
}

// Forget drops the registry entry after a channel is deleted.
func (m *Manager) Forget(channelID string) {
	m.mu.Lock()
	var sess Session
	if e, ok := m.entries[channelID]; ok {
		sess = e.session
		e.session = nil
		delete(m.entries, channelID)
	}
	m.mu.Unlock()
	if sess != nil {
		m.teardown(sess, channelID, true)
	}
}

// Status returns the session snapshot, falling back to the persisted status
// for channels without a registry entry.
func (m *Manager) Status(ctx context.Context, channelID string) (Snapshot, error) {
	m.mu.RLock()
	e, ok := m.entries[channelID]
	var snap Snapshot
	if ok {
		snap = e.snapshot()
	}
	m.mu.RUnlock()
	if ok {
		return snap, nil
	}

	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ChannelID: ch.ID,
		Platform:  ch.Platform,
		State:     stateFromChannel(ch.Status),
		UpdatedAt: ch.UpdatedAt,
	}, nil
}

// Session returns a usable session for the channel. Platforms requiring a live
// session fail with ErrSessionNotReady unless it is active. The others are
// initialized on demand, but only for a channel persisted as active that the
// registry does not track yet; a send never reconnects a disconnected or
// failed channel.
func (m *Manager) Session(ctx context.Context, ch *models.Channel) (Session, error) {
	adapter, err := m.Adapter(ch.Platform)
	if err != nil {
		return nil, err
	}
	if sess := m.activeSession(ch.ID); sess != nil {
		return sess, nil
	}
	if adapter.RequiresSession() || m.tracked(ch.ID) {
		return nil, fmt.Errorf("%w: channel %s", models.ErrSessionNotReady, ch.ID)
	}
	current, err := m.store.GetChannel(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ChannelActive {
		return nil, fmt.Errorf("%w: channel %s is %s", models.ErrSessionNotReady, ch.ID, current.Status)
	}
	if _, err := m.Connect(ctx, ch.ID); err != nil {
		return nil, err
	}
	if sess := m.activeSession(ch.ID); sess != nil {
		return sess, nil
	}
	return nil, fmt.Errorf("%w: channel %s", models.ErrSessionNotReady, ch.ID)
}

func (m *Manager) tracked(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[channelID]
	return ok
}

func (m *Manager) activeSession(channelID string) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[channelID]; ok && e.state == StateActive {
		return e.session
	}
	return nil
}

// ResumeAll re-initializes every channel that was active when the process
// stopped. Failures are logged; the channel stays in whatever state the
// attempt left it in.
func (m *Manager) ResumeAll(ctx context.Context) {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list channels for resume")
		return
	}
	for _, ch := range channels {
		if ch.Status != models.ChannelActive {
			continue
		}
		if _, ok := m.adapters[ch.Platform]; !ok {
			log.Warn().Str("channelID", ch.ID).Str("platform", string(ch.Platform)).Msg("Skipping resume, platform not enabled")
			continue
		}
		snap, err := m.Connect(ctx, ch.ID)
		if err != nil {
			log.Error().Err(err).Str("channelID", ch.ID).Msg("Failed to resume channel")
			continue
		}
		log.Info().Str("channelID", ch.ID).Str("state", string(snap.State)).Msg("Channel resumed")
	}
}

// Shutdown closes every live session without logging out, so persisted
// statuses survive for ResumeAll.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var live []*entry
	for _, e := range m.entries {
		if e.session != nil {
			live = append(live, &entry{channelID: e.channelID, session: e.session})
			e.session = nil
			e.state = StateDisconnected
		}
	}
	m.mu.Unlock()

	for _, e := range live {
		if err := e.session.Teardown(ctx, false); err != nil {
			log.Warn().Err(err).Str("channelID", e.channelID).Msg("Session teardown failed during shutdown")
		}
	}
}

// moveLocked applies a transition, logging edges the state machine lacks.
// Callers hold m.mu.
func (m *Manager) moveLocked(e *entry, to State) bool {
	if !CanTransition(e.state, to) {
		log.Warn().
			Str("channelID", e.channelID).
			Str("from", string(e.state)).
			Str("to", string(to)).
			Msg("Ignoring invalid session transition")
		return false
	}
	e.state = to
	e.updatedAt = time.Now().UTC()
	return true
}

// lookup returns the entry if gen still identifies its current session.
func (m *Manager) lookup(channelID string, gen uint64) (*entry, bool) {
	e, ok := m.entries[channelID]
	if !ok || e.gen != gen {
		return nil, false
	}
	return e, true
}

func (m *Manager) teardown(sess Session, channelID string, logout bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := sess.Teardown(ctx, logout); err != nil {
		log.Warn().Err(err).Str("channelID", channelID).Msg("Session teardown failed")
	}
}

func (m *Manager) fail(channelID string, gen uint64, cause error) {
	m.mu.Lock()
	e, ok := m.lookup(channelID, gen)
	if !ok {
		m.mu.Unlock()
		return
	}
	sess := e.session
	e.session = nil
	m.moveLocked(e, StateError)
	e.lastErr = cause.Error()
	m.mu.Unlock()

	if sess != nil {
		m.teardown(sess, channelID, false)
	}

	if errors.Is(cause, models.ErrAuthenticationFailure) {
		log.Warn().Err(cause).Str("channelID", channelID).Msg("Channel authentication failed")
	} else {
		log.Error().Err(cause).Str("channelID", channelID).Msg("Channel session failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.UpdateChannelStatus(ctx, channelID, models.ChannelError); err != nil {
		log.Error().Err(err).Str("channelID", channelID).Msg("Failed to record channel error")
	}
}

// hooks binds lifecycle reports to the session generation that produced them.
type hooks struct {
	m         *Manager
	channelID string
	gen       uint64
}

func (h *hooks) PairingChallenge(code string) {
	m := h.m
	m.mu.Lock()
	e, ok := m.lookup(h.channelID, h.gen)
	if !ok || !m.moveLocked(e, StateWaitingForScan) {
		m.mu.Unlock()
		return
	}
	e.challenge = code
	e.challengeAt = time.Now().UTC()
	m.mu.Unlock()

	log.Info().Str("channelID", h.channelID).Msg("Pairing challenge received")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.UpdateChannelStatus(ctx, h.channelID, models.ChannelPending); err != nil {
		log.Error().Err(err).Str("channelID", h.channelID).Msg("Failed to record pending status")
	}
	m.pub.Publish(events.Event{
		Type:      events.PairingChallenge,
		ChannelID: h.channelID,
		Data:      PairingPayload{State: StateWaitingForScan, Challenge: code},
	})
}

func (h *hooks) Ready(externalID, name string) {
	m := h.m
	m.mu.Lock()
	e, ok := m.lookup(h.channelID, h.gen)
	if !ok || !m.moveLocked(e, StateActive) {
		m.mu.Unlock()
		return
	}
	e.challenge, e.challengeAt, e.lastErr = "", time.Time{}, ""
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if _, err := m.store.ActivateChannel(ctx, h.channelID, externalID, name); err != nil {
		h.m.fail(h.channelID, h.gen, err)
		return
	}
	log.Info().Str("channelID", h.channelID).Str("externalID", externalID).Msg("Channel session ready")
}

func (h *hooks) Disconnected(reason string) {
	m := h.m
	m.mu.Lock()
	e, ok := m.lookup(h.channelID, h.gen)
	if !ok || !m.moveLocked(e, StateDisconnected) {
		m.mu.Unlock()
		return
	}
	sess := e.session
	e.session = nil
	m.mu.Unlock()

	log.Warn().Str("channelID", h.channelID).Str("reason", reason).Msg("Channel session terminated")
	if sess != nil {
		go m.teardown(sess, h.channelID, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.UpdateChannelStatus(ctx, h.channelID, models.ChannelDisconnected); err != nil {
		log.Error().Err(err).Str("channelID", h.channelID).Msg("Failed to record disconnect")
	}
}

func (h *hooks) AuthFailure(err error) {
	if !errors.Is(err, models.ErrAuthenticationFailure) {
		err = fmt.Errorf("%w: %v", models.ErrAuthenticationFailure, err)
	}
	h.m.fail(h.channelID, h.gen, err)
}

func (h *hooks) SaveSessionData(data models.JSONMap) {
	ctx, cancel := context.WithTimeout(context.Background(), h.m.timeout)
	defer cancel()
	if err := h.m.store.UpdateChannelSession(ctx, h.channelID, data); err != nil {
		log.Error().Err(err).Str("channelID", h.channelID).Msg("Failed to persist session data")
	}
}
