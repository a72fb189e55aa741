package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// breakerSet holds one discovery circuit breaker per server. An open breaker
// keeps a failing server out of discovery passes until its timeout expires.
type breakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	timeout  time.Duration
}

func newBreakerSet(timeout time.Duration) *breakerSet {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		timeout:  timeout,
	}
}

// get returns or creates the breaker for a server
func (s *breakerSet) get(server string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	if breaker, exists := s.breakers[server]; exists {
		s.mu.RUnlock()
		return breaker
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if breaker, exists := s.breakers[server]; exists {
		return breaker
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        server,
		MaxRequests: 1,                // One probe discovery while half-open
		Interval:    time.Minute,      // Window for failure counting
		Timeout:     s.timeout,        // Duration of open state before half-open
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("server", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Discovery circuit breaker state changed")
		},
	})
	s.breakers[server] = breaker
	return breaker
}

// reset forgets the breaker of a server so an explicit refresh always runs
func (s *breakerSet) reset(server string) {
	s.mu.Lock()
	delete(s.breakers, server)
	s.mu.Unlock()
}

// resetAll forgets every breaker
func (s *breakerSet) resetAll() {
	s.mu.Lock()
	s.breakers = make(map[string]*gobreaker.CircuitBreaker)
	s.mu.Unlock()
}

// state returns the breaker state of a server
func (s *breakerSet) state(server string) gobreaker.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if breaker, exists := s.breakers[server]; exists {
		return breaker.State()
	}
	return gobreaker.StateClosed
}
