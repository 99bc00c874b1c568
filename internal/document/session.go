package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
)

const (
	opSessionOpen  = "document.session.open"
	opSessionApply = "document.session.apply"
	opSessionSync  = "document.session.sync"

	defaultMaxUpdateBytes  = 1 << 20
	defaultPersistAttempts = 4
	defaultPersistBackoff  = 50 * time.Millisecond
	defaultIdleGrace       = 2 * time.Minute
	defaultSessionTimeout  = 10 * time.Minute

	fieldSessionID = "session_id"
)

var (
	// ErrOversizedUpdate indicates that an update exceeded the configured
	// size limit and was rejected before persistence.
	ErrOversizedUpdate = errors.New("document: oversized update")
	// ErrPersistenceFailure indicates that durable persistence failed after
	// every retry; the session is terminated rather than silently dropping
	// the edit.
	ErrPersistenceFailure = errors.New("document: persistence failure")
	// ErrSessionNotFound indicates an unknown or already-closed session.
	ErrSessionNotFound = errors.New("document: session not found")
)

// InitialContentLoader seeds a document that has no update history.
// Implementations live outside this package; an empty result leaves the
// document blank.
type InitialContentLoader interface {
	InitialContent(ctx context.Context, documentID DocumentID) ([]Block, error)
}

// SessionManagerConfig describes the dependencies and tunables of the
// session manager.
type SessionManagerConfig struct {
	Log             *UpdateLog
	Broadcaster     Broadcaster
	Loader          InitialContentLoader
	IDProvider      IDProvider
	Clock           func() time.Time
	Logger          *zap.Logger
	MaxUpdateBytes  int
	PersistAttempts int
	PersistBackoff  time.Duration
	IdleGrace       time.Duration
	SessionTimeout  time.Duration
}

// SessionManager owns one live replica per active document. Replicas are
// created lazily on open, mutated only under the per-document section,
// and evicted after the idle grace period once no sessions remain.
// Documents proceed in parallel with no cross-document locking.
type SessionManager struct {
	log         *UpdateLog
	broadcaster Broadcaster
	loader      InitialContentLoader
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger

	maxUpdateBytes  int
	persistAttempts int
	persistBackoff  time.Duration
	idleGrace       time.Duration
	sessionTimeout  time.Duration

	mu        sync.Mutex
	documents map[string]*documentState
	sessions  map[SessionID]string
}

type documentState struct {
	mu         sync.Mutex
	replica    *Replica
	sessions   map[SessionID]*Session
	syncStates map[SessionID]*automerge.SyncState
	idleSince  time.Time
}

// NewSessionManager constructs the session manager.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Log == nil {
		return nil, newServiceError(opSessionOpen, "missing_log", errMissingLog)
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewLocalBroadcaster()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	manager := &SessionManager{
		log:             cfg.Log,
		broadcaster:     broadcaster,
		loader:          cfg.Loader,
		idProvider:      idProvider,
		clock:           clock,
		logger:          logWith(cfg.Logger),
		maxUpdateBytes:  cfg.MaxUpdateBytes,
		persistAttempts: cfg.PersistAttempts,
		persistBackoff:  cfg.PersistBackoff,
		idleGrace:       cfg.IdleGrace,
		sessionTimeout:  cfg.SessionTimeout,
		documents:       make(map[string]*documentState),
		sessions:        make(map[SessionID]string),
	}
	if manager.maxUpdateBytes <= 0 {
		manager.maxUpdateBytes = defaultMaxUpdateBytes
	}
	if manager.persistAttempts <= 0 {
		manager.persistAttempts = defaultPersistAttempts
	}
	if manager.persistBackoff <= 0 {
		manager.persistBackoff = defaultPersistBackoff
	}
	if manager.idleGrace <= 0 {
		manager.idleGrace = defaultIdleGrace
	}
	if manager.sessionTimeout <= 0 {
		manager.sessionTimeout = defaultSessionTimeout
	}
	return manager, nil
}

// Open rebuilds or reuses the live replica for a document and registers a
// new session against it. The manager lock is never taken while a state
// lock is held; the sweeper relies on that order.
func (m *SessionManager) Open(ctx context.Context, documentID DocumentID, userID AuthorID) (*Session, error) {
	state := m.stateFor(documentID)

	state.mu.Lock()
	if state.replica == nil {
		replica, _, applied, err := m.log.Rebuild(ctx, documentID)
		if err != nil {
			state.mu.Unlock()
			m.releaseEmptyState(documentID, state)
			m.logger.Error("replica rebuild failed",
				zap.String(fieldDocumentID, documentID.String()),
				zap.Error(err))
			return nil, newServiceError(opSessionOpen, "rebuild_failed", err)
		}
		state.replica = replica
		if applied == 0 {
			if err := m.seedInitialContent(ctx, documentID, state); err != nil {
				state.replica = nil
				state.mu.Unlock()
				m.releaseEmptyState(documentID, state)
				return nil, err
			}
		}
	}

	rawID, err := m.idProvider.NewID()
	if err != nil {
		state.mu.Unlock()
		m.releaseEmptyState(documentID, state)
		return nil, newServiceError(opSessionOpen, "id_failed", err)
	}
	session := &Session{
		ID:         SessionID(rawID),
		DocumentID: documentID,
		UserID:     userID,
		LastSeenAt: m.clock().UTC(),
	}
	state.sessions[session.ID] = session
	state.idleSince = time.Time{}
	state.mu.Unlock()

	m.mu.Lock()
	m.sessions[session.ID] = documentID.String()
	// Re-register in case the sweeper evicted the entry between stateFor
	// and the session registration above.
	m.documents[documentID.String()] = state
	m.mu.Unlock()

	m.logger.Info("session opened",
		zap.String(fieldDocumentID, documentID.String()),
		zap.String(fieldSessionID, session.ID.String()))
	return session, nil
}

// ApplyUpdate validates one binary update from a session, applies it to
// the replica, and persists the resulting delta before acknowledging.
// The returned payload is what peers must receive to converge.
func (m *SessionManager) ApplyUpdate(ctx context.Context, sessionID SessionID, payload []byte) ([]byte, error) {
	state, session, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if len(payload) > m.maxUpdateBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrOversizedUpdate, len(payload), m.maxUpdateBytes)
	}
	if err := state.replica.ApplyUpdate(payload); err != nil {
		return nil, err
	}
	session.LastSeenAt = m.clock().UTC()

	delta := state.replica.Delta()
	if len(delta) == 0 {
		// Duplicate of already-known changes; nothing to persist.
		return nil, nil
	}
	if err := m.persistWithRetry(ctx, session, delta); err != nil {
		return nil, err
	}

	m.broadcaster.Publish(Envelope{
		DocumentID: session.DocumentID.String(),
		Kind:       EnvelopeKindSync,
		Payload:    delta,
		Origin:     sessionID.String(),
	})
	return delta, nil
}

// HandleSyncMessage feeds one state-vector sync message from the peer
// into the session's sync state and returns any reply messages to send
// back. Newly learned changes are persisted before the replies are
// produced.
func (m *SessionManager) HandleSyncMessage(ctx context.Context, sessionID SessionID, payload []byte) ([][]byte, error) {
	state, session, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if len(payload) > m.maxUpdateBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrOversizedUpdate, len(payload), m.maxUpdateBytes)
	}
	syncState := state.syncStates[sessionID]
	if syncState == nil {
		syncState = state.replica.NewSyncState()
		state.syncStates[sessionID] = syncState
	}
	if _, err := syncState.ReceiveMessage(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	session.LastSeenAt = m.clock().UTC()

	delta := state.replica.Delta()
	if len(delta) > 0 {
		if err := m.persistWithRetry(ctx, session, delta); err != nil {
			return nil, err
		}
		m.broadcaster.Publish(Envelope{
			DocumentID: session.DocumentID.String(),
			Kind:       EnvelopeKindSync,
			Payload:    delta,
			Origin:     sessionID.String(),
		})
	}

	return drainSyncMessages(syncState), nil
}

// PendingSyncMessages drains any sync messages the session's peer should
// receive, typically after another session changed the document.
func (m *SessionManager) PendingSyncMessages(sessionID SessionID) ([][]byte, error) {
	state, _, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	syncState := state.syncStates[sessionID]
	if syncState == nil {
		syncState = state.replica.NewSyncState()
		state.syncStates[sessionID] = syncState
	}
	return drainSyncMessages(syncState), nil
}

// ApplyExternal merges an update that originated outside this process
// into the live replica, when one is active. Documents without a live
// replica pick the update up from the log on next open.
func (m *SessionManager) ApplyExternal(ctx context.Context, documentID string, payload []byte) error {
	m.mu.Lock()
	state := m.documents[documentID]
	m.mu.Unlock()
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.replica == nil {
		return nil
	}
	if err := state.replica.ApplyUpdate(payload); err != nil {
		return err
	}
	// Advance the delta cursor: the originating process already persisted
	// these changes.
	_ = state.replica.Delta()
	return nil
}

// Touch refreshes a session's liveness clock.
func (m *SessionManager) Touch(sessionID SessionID) {
	state, session, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	state.mu.Lock()
	session.LastSeenAt = m.clock().UTC()
	state.mu.Unlock()
}

// Close deregisters a session. The replica survives until the idle grace
// period expires with no sessions attached.
func (m *SessionManager) Close(sessionID SessionID) {
	m.mu.Lock()
	documentID, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	state := m.documents[documentID]
	m.mu.Unlock()
	if !ok || state == nil {
		return
	}

	state.mu.Lock()
	delete(state.sessions, sessionID)
	delete(state.syncStates, sessionID)
	if len(state.sessions) == 0 {
		state.idleSince = m.clock().UTC()
	}
	state.mu.Unlock()

	m.logger.Info("session closed", zap.String(fieldSessionID, sessionID.String()))
}

// SessionCount reports the number of live sessions for a document.
func (m *SessionManager) SessionCount(documentID DocumentID) int {
	m.mu.Lock()
	state := m.documents[documentID.String()]
	m.mu.Unlock()
	if state == nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.sessions)
}

// ReplicaBlocks returns the current block content of the live replica.
func (m *SessionManager) ReplicaBlocks(documentID DocumentID) ([]Block, error) {
	m.mu.Lock()
	state := m.documents[documentID.String()]
	m.mu.Unlock()
	if state == nil {
		return nil, fmt.Errorf("%w: no live replica", ErrSessionNotFound)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.replica == nil {
		return nil, fmt.Errorf("%w: no live replica", ErrSessionNotFound)
	}
	return state.replica.Blocks()
}

// RunEviction expires idle sessions and evicts idle replicas until the
// context ends.
func (m *SessionManager) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-ctx.Done():
			return
		}
	}
}

func (m *SessionManager) sweepOnce() {
	now := m.clock().UTC()

	m.mu.Lock()
	states := make(map[string]*documentState, len(m.documents))
	for documentID, state := range m.documents {
		states[documentID] = state
	}
	m.mu.Unlock()

	for documentID, state := range states {
		var expired []SessionID
		state.mu.Lock()
		for sessionID, session := range state.sessions {
			if now.Sub(session.LastSeenAt) > m.sessionTimeout {
				expired = append(expired, sessionID)
			}
		}
		evict := state.replica != nil &&
			len(state.sessions) == 0 &&
			!state.idleSince.IsZero() &&
			now.Sub(state.idleSince) > m.idleGrace
		state.mu.Unlock()

		for _, sessionID := range expired {
			m.logger.Info("idle session expired", zap.String(fieldSessionID, sessionID.String()))
			m.Close(sessionID)
		}
		if evict {
			m.mu.Lock()
			state.mu.Lock()
			if len(state.sessions) == 0 && m.documents[documentID] == state {
				delete(m.documents, documentID)
				m.logger.Info("idle replica evicted", zap.String(fieldDocumentID, documentID))
			}
			state.mu.Unlock()
			m.mu.Unlock()
		}
	}
}

// CloseAll tears down every session, used during shutdown after in-flight
// persistence has drained.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessionIDs := make([]SessionID, 0, len(m.sessions))
	for sessionID := range m.sessions {
		sessionIDs = append(sessionIDs, sessionID)
	}
	m.mu.Unlock()
	for _, sessionID := range sessionIDs {
		m.Close(sessionID)
	}
}

// releaseEmptyState drops a state that never reached a registered
// session, so failed opens do not leak map entries the sweeper cannot
// reclaim. Lock order is manager first, then state.
func (m *SessionManager) releaseEmptyState(documentID DocumentID, state *documentState) {
	m.mu.Lock()
	state.mu.Lock()
	if len(state.sessions) == 0 && m.documents[documentID.String()] == state {
		delete(m.documents, documentID.String())
	}
	state.mu.Unlock()
	m.mu.Unlock()
}

func (m *SessionManager) stateFor(documentID DocumentID) *documentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.documents[documentID.String()]
	if !ok {
		state = &documentState{
			sessions:   make(map[SessionID]*Session),
			syncStates: make(map[SessionID]*automerge.SyncState),
		}
		m.documents[documentID.String()] = state
	}
	return state
}

func (m *SessionManager) lookup(sessionID SessionID) (*documentState, *Session, error) {
	m.mu.Lock()
	documentID, ok := m.sessions[sessionID]
	state := m.documents[documentID]
	m.mu.Unlock()
	if !ok || state == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	state.mu.Lock()
	session := state.sessions[sessionID]
	state.mu.Unlock()
	if session == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return state, session, nil
}

// persistWithRetry appends the delta to the durable log before the update
// is acknowledged, retrying transient failures with exponential backoff.
// Exhausting every attempt terminates the session.
func (m *SessionManager) persistWithRetry(ctx context.Context, session *Session, delta []byte) error {
	backoff := m.persistBackoff
	var lastErr error
	for attempt := 0; attempt < m.persistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return newServiceError(opSessionApply, "persist_cancelled", ctx.Err())
			}
			backoff *= 2
		}
		_, err := m.log.Append(ctx, session.DocumentID, delta, session.UserID)
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("update persistence attempt failed",
			zap.String(fieldDocumentID, session.DocumentID.String()),
			zap.String(fieldSessionID, session.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	m.logger.Error("update persistence exhausted retries, terminating session",
		zap.String(fieldDocumentID, session.DocumentID.String()),
		zap.String(fieldSessionID, session.ID.String()),
		zap.Error(lastErr))
	go m.Close(session.ID)
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, lastErr)
}

func (m *SessionManager) seedInitialContent(ctx context.Context, documentID DocumentID, state *documentState) error {
	if m.loader == nil {
		return nil
	}
	blocks, err := m.loader.InitialContent(ctx, documentID)
	if err != nil {
		m.logger.Warn("initial content load failed",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Error(err))
		return nil
	}
	if len(blocks) == 0 {
		return nil
	}
	if err := state.replica.SetBlocks(blocks); err != nil {
		return newServiceError(opSessionOpen, "seed_failed", err)
	}
	genesis := state.replica.Delta()
	if len(genesis) == 0 {
		return nil
	}
	systemAuthor, _ := NewAuthorID(systemAuthorID)
	if _, err := m.log.Append(ctx, documentID, genesis, systemAuthor); err != nil {
		return newServiceError(opSessionOpen, "seed_persist_failed", err)
	}
	return nil
}

func drainSyncMessages(syncState *automerge.SyncState) [][]byte {
	var messages [][]byte
	for {
		message, valid := syncState.GenerateMessage()
		if !valid {
			break
		}
		messages = append(messages, message.Bytes())
	}
	return messages
}
