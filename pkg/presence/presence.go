// Package presence tracks which user occupies which seat.
//
// Join, query and exit notifications come from the transport and may race
// or arrive out of order, so each transition is checked against the current
// binding of the seat:
//
//	Query  - a provisional join, applied even over a conflicting user
//	Join   - a confirmed join, rejected over a conflicting user
//	Exit   - rejected if the user is not the one bound to the seat
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/logger"
)

type State int

const (
	Absent State = iota
	Querying
	Joined
)

func (s State) String() string {
	switch s {
	case Querying:
		return "querying"
	case Joined:
		return "joined"
	default:
		return "absent"
	}
}

const defaultPoll = 100 * time.Millisecond

type entry struct {
	id    api.Identity
	state State
}

// Store keeps at most one non-absent user per seat and
// at most one seat per user.
type Store struct {
	mu    sync.Mutex
	seats map[api.SeatIndex]*entry
	users map[string]*entry

	poll       time.Duration
	onConflict func(op string)
	log        *logger.Logger
}

type Option func(*Store)

func WithLogger(log *logger.Logger) Option { return func(s *Store) { s.log = log } }

// WithPoll sets the interval of the quorum wait polling.
func WithPoll(d time.Duration) Option { return func(s *Store) { s.poll = d } }

// WithConflictHandler is called with the operation name on every detected conflict.
func WithConflictHandler(fn func(op string)) Option { return func(s *Store) { s.onConflict = fn } }

func NewStore(opts ...Option) *Store {
	s := &Store{
		seats: make(map[api.SeatIndex]*entry),
		users: make(map[string]*entry),
		poll:  defaultPoll,
		log:   logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.poll <= 0 {
		s.poll = defaultPoll
	}
	s.log = s.log.Module("presence")
	return s
}

// Query marks the user as querying the seat.
// A conflicting user on the seat is superseded.
// A query of the user who has already joined the seat is stale and ignored.
func (s *Store) Query(id api.Identity) bool {
	if !id.IsValid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.seats[id.Seat]; ok {
		if e.id.UserId == id.UserId {
			if e.state == Joined {
				s.log.Debug().Str(logger.UserField, id.UserId).Int(logger.SeatField, int(id.Seat)).
					Msg("Stale query of a joined user")
				return false
			}
			return true
		}
		s.conflict("query", e.id, id, "superseded")
		s.remove(e)
	}
	s.bind(id, Querying)
	return true
}

// Join marks the user as joined to the seat.
// It is rejected while another user occupies the seat.
func (s *Store) Join(id api.Identity) bool {
	if !id.IsValid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.seats[id.Seat]; ok {
		if e.id.UserId != id.UserId {
			s.conflict("join", e.id, id, "rejected")
			return false
		}
		e.state = Joined
		return true
	}
	s.bind(id, Joined)
	return true
}

// Exit unbinds the user from the seat.
// It is rejected if the user is not the one bound to the seat.
func (s *Store) Exit(id api.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.seats[id.Seat]
	if !ok {
		s.log.Debug().Int(logger.SeatField, int(id.Seat)).Str(logger.UserField, id.UserId).Msg("Exit from an empty seat")
		return false
	}
	if e.id.UserId != id.UserId {
		s.conflict("exit", e.id, id, "rejected")
		return false
	}
	s.remove(e)
	return true
}

func (s *Store) GetState(userId string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.users[userId]; ok {
		return e.state
	}
	return Absent
}

// GetSeatInfo returns the state and the user of the seat.
func (s *Store) GetSeatInfo(seat api.SeatIndex) (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.seats[seat]; ok {
		return e.state, e.id.UserId
	}
	return Absent, ""
}

// JoinedCount counts the joined seats that satisfy the predicate, nil matches all.
func (s *Store) JoinedCount(pred func(api.Identity) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.seats {
		if e.state == Joined && (pred == nil || pred(e.id)) {
			n++
		}
	}
	return n
}

// WaitForCount blocks until at least n joined seats satisfy the predicate.
func (s *Store) WaitForCount(ctx context.Context, n int, pred func(api.Identity) bool) error {
	if s.JoinedCount(pred) >= n {
		return nil
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.JoinedCount(pred) >= n {
				return nil
			}
		}
	}
}

// Reset drops all the bindings.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.seats)
	clear(s.users)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seats)
}

func (s *Store) bind(id api.Identity, state State) {
	// a user has one seat at most
	if old, ok := s.users[id.UserId]; ok {
		s.log.Debug().Str(logger.UserField, id.UserId).
			Msgf("Moved from seat %v to %v", old.id.Seat, id.Seat)
		s.remove(old)
	}
	e := &entry{id: id, state: state}
	s.seats[id.Seat] = e
	s.users[id.UserId] = e
}

func (s *Store) remove(e *entry) {
	delete(s.seats, e.id.Seat)
	delete(s.users, e.id.UserId)
}

func (s *Store) conflict(op string, bound, incoming api.Identity, outcome string) {
	s.log.Warn().
		Int(logger.SeatField, int(bound.Seat)).
		Str("bound", bound.UserId).
		Str(logger.UserField, incoming.UserId).
		Msgf("Conflicting %v, %v", op, outcome)
	if s.onConflict != nil {
		s.onConflict(op)
	}
}
