package timeline

import (
	"sort"
	"sync"
	"time"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/internal/keylock"
)

// Key identifies the (participant, meeting) pair a session belongs to.
type Key struct {
	ParticipantID string `json:"participant_id"`
	MeetingID     string `json:"meeting_id"`
}

func KeyOf(event schema.ActivityEvent) Key {
	return Key{ParticipantID: event.ParticipantID, MeetingID: event.MeetingID}
}

type entry struct {
	key     Key
	session schema.Session
	seen    map[dedupKey]struct{}
	results []schema.ValidationResult
}

type orphanSet struct {
	events []schema.ActivityEvent
	seen   map[dedupKey]struct{}
}

// Store is the registry of sessions. Entries are only read or written while
// the per-key lock is held; the maps themselves are guarded by mu.
type Store struct {
	locks *keylock.Map[Key]

	mu      sync.RWMutex
	open    map[Key]*entry
	last    map[Key]*entry
	byID    map[string]*entry
	orphans map[Key]*orphanSet
}

func NewStore() *Store {
	return &Store{
		locks:   keylock.New[Key](),
		open:    map[Key]*entry{},
		last:    map[Key]*entry{},
		byID:    map[string]*entry{},
		orphans: map[Key]*orphanSet{},
	}
}

// withKey serializes all reads and writes of one (participant, meeting) pair.
func (s *Store) withKey(key Key, fn func() error) error {
	return s.locks.Do(key, fn)
}

func (s *Store) openEntry(key Key) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open[key]
}

func (s *Store) lastFinalized(key Key) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[key]
}

func (s *Store) entryByID(sessionID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[sessionID]
}

func (s *Store) create(key Key, session schema.Session) *entry {
	created := &entry{key: key, session: session, seen: map[dedupKey]struct{}{}}
	s.mu.Lock()
	s.open[key] = created
	s.byID[session.SessionID] = created
	s.mu.Unlock()
	return created
}

func (s *Store) markFinalized(current *entry) {
	s.mu.Lock()
	if s.open[current.key] == current {
		delete(s.open, current.key)
	}
	s.last[current.key] = current
	s.mu.Unlock()
}

// addOrphan records an event that has no session to belong to yet.
func (s *Store) addOrphan(key Key, event schema.ActivityEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.orphans[key]
	if !ok {
		set = &orphanSet{seen: map[dedupKey]struct{}{}}
		s.orphans[key] = set
	}
	var added bool
	set.events, added = insertEvent(set.events, set.seen, event)
	return added
}

func (s *Store) takeOrphans(key Key) []schema.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.orphans[key]
	if !ok {
		return nil
	}
	delete(s.orphans, key)
	return set.events
}

// Session returns a snapshot of the session with the given id.
func (s *Store) Session(sessionID string) (schema.Session, bool) {
	current := s.entryByID(sessionID)
	if current == nil {
		return schema.Session{}, false
	}
	var snapshot schema.Session
	_ = s.withKey(current.key, func() error {
		snapshot = cloneSession(current.session)
		return nil
	})
	return snapshot, true
}

// OpenSession returns the OPEN session for key, if any.
func (s *Store) OpenSession(key Key) (schema.Session, bool) {
	var snapshot schema.Session
	var found bool
	_ = s.withKey(key, func() error {
		if current := s.openEntry(key); current != nil {
			snapshot = cloneSession(current.session)
			found = true
		}
		return nil
	})
	return snapshot, found
}

// Results returns the validation history of a session, oldest first.
func (s *Store) Results(sessionID string) []schema.ValidationResult {
	current := s.entryByID(sessionID)
	if current == nil {
		return nil
	}
	var out []schema.ValidationResult
	_ = s.withKey(current.key, func() error {
		out = append([]schema.ValidationResult(nil), current.results...)
		return nil
	})
	return out
}

// Orphans returns the events held for key until a session opens.
func (s *Store) Orphans(key Key) []schema.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.orphans[key]
	if !ok {
		return nil
	}
	return append([]schema.ActivityEvent(nil), set.events...)
}

// Stale lists OPEN sessions whose newest event is older than cutoff, for an
// external sweeper that decides when to finalize them.
func (s *Store) Stale(cutoff time.Time) []schema.Session {
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.open))
	for _, current := range s.open {
		candidates = append(candidates, current)
	}
	s.mu.RUnlock()

	out := make([]schema.Session, 0)
	for _, current := range candidates {
		_ = s.withKey(current.key, func() error {
			if current.session.State != schema.SessionOpen || len(current.session.Timeline) == 0 {
				return nil
			}
			newest := current.session.Timeline[len(current.session.Timeline)-1].Timestamp
			if newest.Before(cutoff) {
				out = append(out, cloneSession(current.session))
			}
			return nil
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
