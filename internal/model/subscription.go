package model

import (
	"sync"
	"time"
)

// Subscription is a live client session interested in a user's rule
// notifications. Subscriptions exist only in memory for the lifetime of the
// session; restart discards them.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    int       `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`

	mu                    sync.Mutex
	initialCheckCompleted bool
	lastCheckedCandleTime time.Time
}

// NeedsCatchUp reports whether the subscription's first full historical scan
// is still pending.
func (s *Subscription) NeedsCatchUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.initialCheckCompleted
}

// CompleteCatchUp records that the initial scan finished, having examined
// candles up to and including the one opening at t.
func (s *Subscription) CompleteCatchUp(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialCheckCompleted = true
	if t.After(s.lastCheckedCandleTime) {
		s.lastCheckedCandleTime = t
	}
}

// LastChecked returns the open time of the newest candle already examined.
func (s *Subscription) LastChecked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheckedCandleTime
}

// AdvanceChecked moves the examined-up-to marker forward. Moves backward are
// ignored so concurrent sweeps cannot regress the cursor.
func (s *Subscription) AdvanceChecked(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastCheckedCandleTime) {
		s.lastCheckedCandleTime = t
	}
}
