// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// Errors returned by BeginTurn. All other Store operations are total.
var (
	// ErrStreamInProgress rejects a second stream while one is in flight.
	ErrStreamInProgress = errors.New("a response is already streaming")

	// ErrNoSession means there is no current session to add a turn to.
	ErrNoSession = errors.New("no current session")

	// ErrEmptyMessage rejects blank user input.
	ErrEmptyMessage = errors.New("message is empty")
)

// =============================================================================
// PERSISTENCE AND CONFIG
// =============================================================================

// Persister loads and saves the whole chat state. The storage medium is the
// implementation's business.
type Persister interface {
	// Load returns nil, nil when nothing has been saved yet.
	Load(ctx context.Context) (*model.ChatState, error)
	Save(ctx context.Context, state model.ChatState) error
}

// Config holds configuration for the session store.
type Config struct {
	// Persister receives a snapshot after mutations. Nil disables persistence.
	Persister Persister

	// FragmentSaveRate caps saves per second while fragments stream in
	// (default: 4). Every other mutation saves immediately.
	FragmentSaveRate rate.Limit

	// Logger receives save failures (default: slog.Default()).
	Logger *slog.Logger

	// Clock supplies timestamps (default: time.Now).
	Clock func() time.Time

	// OnChange is called after every mutation, outside the store lock.
	OnChange func(Event)
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		FragmentSaveRate: 4,
	}
}

// =============================================================================
// STREAM STATE MACHINE
// =============================================================================

// Phase is the streaming state of the store.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
)

// String returns the phase name.
func (p Phase) String() string {
	if p == PhaseStreaming {
		return "streaming"
	}
	return "idle"
}

// Turn identifies one bound stream. Only the holder of the current Turn can
// append fragments or end the stream.
type Turn struct {
	SessionID string
	token     uint64
}

// Valid reports whether t was issued by BeginTurn.
func (t Turn) Valid() bool {
	return t.token != 0
}

// =============================================================================
// CHANGE EVENTS
// =============================================================================

// EventKind names the mutation that produced an Event.
type EventKind string

const (
	EventLoaded          EventKind = "loaded"
	EventSessionCreated  EventKind = "session_created"
	EventSessionSelected EventKind = "session_selected"
	EventSessionDeleted  EventKind = "session_deleted"
	EventCleared         EventKind = "cleared"
	EventSearchChanged   EventKind = "search_changed"
	EventMessageAdded    EventKind = "message_added"
	EventMessageUpdated  EventKind = "message_updated"
	EventStreamStarted   EventKind = "stream_started"
	EventFragment        EventKind = "fragment"
	EventStreamEnded     EventKind = "stream_ended"
)

// Event describes a mutation. Readers re-query the store for details.
type Event struct {
	Kind      EventKind
	SessionID string
}

// =============================================================================
// STORE
// =============================================================================

// Store owns the chat state and is its only mutator. Every operation is
// atomic, and reads return deep copies.
type Store struct {
	mu sync.Mutex

	state      model.ChatState
	phase      Phase
	turn       Turn
	inflightID string // assistant message bound to turn; "" until the first fragment
	nextToken  uint64
	seq        uint64

	persister Persister
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
	onChange  func(Event)

	// saveMu orders saves so an older snapshot never overwrites a newer one.
	saveMu   sync.Mutex
	savedSeq uint64
}

// NewStore creates an empty store. Call Load to restore persisted state.
func NewStore(cfg Config) *Store {
	if cfg.FragmentSaveRate <= 0 {
		cfg.FragmentSaveRate = DefaultConfig().FragmentSaveRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{
		state:     model.ChatState{Sessions: []model.ChatSession{}},
		persister: cfg.Persister,
		limiter:   rate.NewLimiter(cfg.FragmentSaveRate, 1),
		logger:    cfg.Logger,
		now:       cfg.Clock,
		onChange:  cfg.OnChange,
	}
}

// Load restores state from the persister. A stale streaming flag is reset,
// a dangling current id is repaired, and an empty store gets one fresh
// session. On a load error the store still ends up usable and the error is
// returned for the caller to report.
func (s *Store) Load(ctx context.Context) error {
	var loaded *model.ChatState
	var loadErr error
	if s.persister != nil {
		loaded, loadErr = s.persister.Load(ctx)
		if loadErr != nil {
			s.logger.Error("failed to load chat state", "error", loadErr)
			loaded = nil
		}
	}

	s.mu.Lock()
	if loaded != nil {
		s.state = loaded.Clone()
	} else {
		s.state = model.ChatState{Sessions: []model.ChatSession{}}
	}
	s.state.IsStreaming = false
	s.phase = PhaseIdle
	s.turn = Turn{}
	s.inflightID = ""

	for i := range s.state.Sessions {
		if s.state.Sessions[i].Messages == nil {
			s.state.Sessions[i].Messages = []model.Message{}
		}
	}
	if id := s.state.CurrentID(); id != "" && s.state.Index(id) < 0 {
		s.state.CurrentSessionID = nil
	}
	if s.state.CurrentSessionID == nil && len(s.state.Sessions) > 0 {
		s.setCurrentLocked(s.state.Sessions[0].ID)
	}
	if len(s.state.Sessions) == 0 {
		s.createSessionLocked()
	}
	current := s.state.CurrentID()
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventLoaded, SessionID: current})
	return loadErr
}

// -----------------------------------------------------------------------------
// Session operations
// -----------------------------------------------------------------------------

// CreateSession inserts a new empty session at the front and makes it current.
func (s *Store) CreateSession() model.ChatSession {
	s.mu.Lock()
	created := s.createSessionLocked()
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventSessionCreated, SessionID: created.ID})
	return created.Clone()
}

// SelectSession makes id current. An unknown id is rejected and leaves the
// selection unchanged, so the current id never dangles.
func (s *Store) SelectSession(id string) bool {
	s.mu.Lock()
	if s.state.Index(id) < 0 {
		s.mu.Unlock()
		return false
	}
	s.setCurrentLocked(id)
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventSessionSelected, SessionID: id})
	return true
}

// DeleteSession removes the session if present. When it was current, the
// first remaining session becomes current, or none if the list is empty.
// Deleting the session that owns the in-flight stream unbinds the stream.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	idx := s.state.Index(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	s.state.Sessions = append(s.state.Sessions[:idx], s.state.Sessions[idx+1:]...)
	if s.state.CurrentID() == id {
		s.state.CurrentSessionID = nil
		if len(s.state.Sessions) > 0 {
			s.setCurrentLocked(s.state.Sessions[0].ID)
		}
	}
	if s.phase == PhaseStreaming && s.turn.SessionID == id {
		s.logger.Info("deleted session with an in-flight response", "session", id)
		s.endStreamLocked()
	}
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventSessionDeleted, SessionID: id})
	return true
}

// ClearAllSessions removes every session and creates one fresh current
// session. Any in-flight stream is unbound.
func (s *Store) ClearAllSessions() model.ChatSession {
	s.mu.Lock()
	s.state.Sessions = []model.ChatSession{}
	s.state.CurrentSessionID = nil
	if s.phase == PhaseStreaming {
		s.endStreamLocked()
	}
	created := s.createSessionLocked()
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventCleared, SessionID: created.ID})
	return created.Clone()
}

// SetSearchQuery replaces the query that drives FilteredSessions.
func (s *Store) SetSearchQuery(q string) {
	s.mu.Lock()
	s.state.SearchQuery = q
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventSearchChanged})
}

// -----------------------------------------------------------------------------
// Message operations
// -----------------------------------------------------------------------------

// AddMessage appends a message to the current session. It is a no-op when
// there is no current session, or when that session is receiving a streamed
// reply, since the in-flight message must stay last. The first message,
// when from the user, names the session.
func (s *Store) AddMessage(role model.Role, content string) {
	s.mu.Lock()
	idx := s.currentIndexLocked()
	if idx < 0 || s.boundLocked(idx) {
		s.mu.Unlock()
		return
	}
	id := s.state.Sessions[idx].ID
	s.appendMessageLocked(idx, role, content)
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventMessageAdded, SessionID: id})
}

// UpdateLastMessageContent replaces the content of the last message of the
// current session in place. It is a no-op when there is no current session,
// it has no messages, or a bound turn is streaming into it.
func (s *Store) UpdateLastMessageContent(content string) {
	s.mu.Lock()
	idx := s.currentIndexLocked()
	if idx < 0 || len(s.state.Sessions[idx].Messages) == 0 || s.boundLocked(idx) {
		s.mu.Unlock()
		return
	}
	sess := &s.state.Sessions[idx]
	sess.Messages[len(sess.Messages)-1].Content = content
	s.touchLocked(sess)
	id := sess.ID
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventMessageUpdated, SessionID: id})
}

// SetStreaming sets the streaming flag directly. true from idle enters the
// streaming phase with no bound turn, which blocks BeginTurn; false returns
// to idle and unbinds any turn.
func (s *Store) SetStreaming(streaming bool) {
	s.mu.Lock()
	if streaming {
		s.phase = PhaseStreaming
		s.state.IsStreaming = true
	} else {
		s.endStreamLocked()
	}
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	kind := EventStreamEnded
	if streaming {
		kind = EventStreamStarted
	}
	s.emit(Event{Kind: kind})
}

// -----------------------------------------------------------------------------
// Streaming turn operations
// -----------------------------------------------------------------------------

// BeginTurn records a user message in the current session and moves the
// store from idle to streaming. It returns the bound Turn and a copy of the
// session history to send to the completion endpoint.
func (s *Store) BeginTurn(content string) (Turn, []model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return Turn{}, nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.phase == PhaseStreaming {
		s.mu.Unlock()
		return Turn{}, nil, ErrStreamInProgress
	}
	idx := s.currentIndexLocked()
	if idx < 0 {
		s.mu.Unlock()
		return Turn{}, nil, ErrNoSession
	}

	s.appendMessageLocked(idx, model.RoleUser, content)
	sess := &s.state.Sessions[idx]

	s.nextToken++
	s.turn = Turn{SessionID: sess.ID, token: s.nextToken}
	s.phase = PhaseStreaming
	s.state.IsStreaming = true
	s.inflightID = ""

	history := make([]model.Message, len(sess.Messages))
	copy(history, sess.Messages)
	turn := s.turn
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventStreamStarted, SessionID: turn.SessionID})
	return turn, history, nil
}

// AppendFragment appends a streamed fragment to the turn's in-flight
// assistant message, creating that message on the first fragment. It
// returns false when turn is no longer bound, telling the driver to stop.
func (s *Store) AppendFragment(turn Turn, fragment string) bool {
	s.mu.Lock()
	if s.phase != PhaseStreaming || !turn.Valid() || turn != s.turn {
		s.mu.Unlock()
		return false
	}
	idx := s.state.Index(turn.SessionID)
	if idx < 0 {
		s.endStreamLocked()
		s.mu.Unlock()
		return false
	}
	if fragment == "" {
		s.mu.Unlock()
		return true
	}

	sess := &s.state.Sessions[idx]
	if pos := s.inflightIndexLocked(sess); pos >= 0 {
		sess.Messages[pos].Content += fragment
		s.touchLocked(sess)
	} else {
		msg := s.appendMessageLocked(idx, model.RoleAssistant, fragment)
		s.inflightID = msg.ID
	}
	seq, snap := s.prepareSaveLocked(false)
	s.mu.Unlock()

	s.persist(seq, snap)
	s.emit(Event{Kind: EventFragment, SessionID: turn.SessionID})
	return true
}

// EndStream returns the store to idle if turn is still bound, and always
// flushes a final save. It reports whether turn was the bound one.
func (s *Store) EndStream(turn Turn) bool {
	s.mu.Lock()
	bound := turn.Valid() && turn == s.turn && s.phase == PhaseStreaming
	if bound {
		s.endStreamLocked()
	}
	seq, snap := s.prepareSaveLocked(true)
	s.mu.Unlock()

	s.persist(seq, snap)
	if bound {
		s.emit(Event{Kind: EventStreamEnded, SessionID: turn.SessionID})
	}
	return bound
}

// -----------------------------------------------------------------------------
// Read views
// -----------------------------------------------------------------------------

// CurrentSession returns a copy of the current session.
func (s *Store) CurrentSession() (model.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.currentIndexLocked()
	if idx < 0 {
		return model.ChatSession{}, false
	}
	return s.state.Sessions[idx].Clone(), true
}

// Session returns a copy of the session with the given id.
func (s *Store) Session(id string) (model.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.state.Find(id)
	if !ok {
		return model.ChatSession{}, false
	}
	return sess.Clone(), true
}

// Sessions returns copies of all sessions, most recently created first.
func (s *Store) Sessions() []model.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChatSession, len(s.state.Sessions))
	for i, sess := range s.state.Sessions {
		out[i] = sess.Clone()
	}
	return out
}

// FilteredSessions returns the sessions whose title or any message content
// contains the search query, ignoring case. Order is preserved and an empty
// query returns every session.
func (s *Store) FilteredSessions() []model.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	caser := cases.Fold()
	fold := func(v string) string { return caser.String(v) }

	out := make([]model.ChatSession, 0, len(s.state.Sessions))
	for _, sess := range s.state.Sessions {
		if sess.Matches(s.state.SearchQuery, fold) {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// Snapshot returns a deep copy of the whole state.
func (s *Store) Snapshot() model.ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// IsStreaming reports whether a stream is in flight.
func (s *Store) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsStreaming
}

// Phase returns the streaming phase.
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SearchQuery returns the current search query.
func (s *Store) SearchQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SearchQuery
}

// =============================================================================
// INTERNAL HELPERS (caller holds s.mu)
// =============================================================================

func (s *Store) createSessionLocked() model.ChatSession {
	sess := model.NewChatSession(s.now())
	s.state.Sessions = append([]model.ChatSession{sess}, s.state.Sessions...)
	s.setCurrentLocked(sess.ID)
	return sess
}

func (s *Store) setCurrentLocked(id string) {
	s.state.CurrentSessionID = &id
}

func (s *Store) currentIndexLocked() int {
	id := s.state.CurrentID()
	if id == "" {
		return -1
	}
	return s.state.Index(id)
}

func (s *Store) appendMessageLocked(idx int, role model.Role, content string) model.Message {
	sess := &s.state.Sessions[idx]
	msg := model.Message{
		ID:        model.NewID(),
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	}
	sess.Messages = append(sess.Messages, msg)
	s.touchLocked(sess)
	if role == model.RoleUser && len(sess.Messages) == 1 {
		sess.Title = model.DeriveTitle(content)
	}
	return msg
}

// touchLocked refreshes UpdatedAt without ever moving it backwards.
func (s *Store) touchLocked(sess *model.ChatSession) {
	if now := s.now(); now.After(sess.UpdatedAt) {
		sess.UpdatedAt = now
	}
}

// boundLocked reports whether the session at idx owns the bound turn.
func (s *Store) boundLocked(idx int) bool {
	return s.phase == PhaseStreaming && s.turn.Valid() && s.state.Sessions[idx].ID == s.turn.SessionID
}

func (s *Store) inflightIndexLocked(sess *model.ChatSession) int {
	if s.inflightID == "" {
		return -1
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].ID == s.inflightID {
			return i
		}
	}
	return -1
}

func (s *Store) endStreamLocked() {
	s.phase = PhaseIdle
	s.state.IsStreaming = false
	s.turn = Turn{}
	s.inflightID = ""
}

// prepareSaveLocked numbers the mutation and, unless throttled, returns a
// snapshot to persist once the lock is released.
func (s *Store) prepareSaveLocked(force bool) (uint64, *model.ChatState) {
	s.seq++
	if s.persister == nil {
		return s.seq, nil
	}
	if !force && !s.limiter.Allow() {
		return s.seq, nil
	}
	snap := s.state.Clone()
	return s.seq, &snap
}

func (s *Store) persist(seq uint64, snap *model.ChatState) {
	if snap == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq <= s.savedSeq {
		return
	}
	if err := s.persister.Save(context.Background(), *snap); err != nil {
		s.logger.Error("failed to save chat state", "error", err)
		return
	}
	s.savedSeq = seq
}

func (s *Store) emit(ev Event) {
	if s.onChange != nil {
		s.onChange(ev)
	}
}
