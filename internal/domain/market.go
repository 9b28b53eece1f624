package domain

import (
	"fmt"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "OPEN"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
	MarketStatusDisputed MarketStatus = "DISPUTED"
	MarketStatusVoid     MarketStatus = "VOID"
)

// marketTransitions lists the only legal status changes.
var marketTransitions = map[MarketStatus][]MarketStatus{
	MarketStatusOpen:     {MarketStatusClosed},
	MarketStatusClosed:   {MarketStatusResolved, MarketStatusVoid, MarketStatusDisputed},
	MarketStatusDisputed: {MarketStatusResolved, MarketStatusVoid},
}

// CanTransition reports whether a market may move from one status to another.
func CanTransition(from, to MarketStatus) bool {
	for _, s := range marketTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusVoid
}

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusOpen, MarketStatusClosed, MarketStatusResolved, MarketStatusDisputed, MarketStatusVoid:
		return true
	}
	return false
}

// Outcome indices of a two-outcome market.
const (
	OutcomeA = 0
	OutcomeB = 1
)

// ValidOutcome reports whether o indexes one of the two outcomes.
func ValidOutcome(o int) bool {
	return o == OutcomeA || o == OutcomeB
}

// Market is a two-outcome prediction market.
type Market struct {
	ID               string
	Category         string
	Question         string
	Outcomes         [2]string // e.g. ["Yes","No"]
	Status           MarketStatus
	ClosesAt         time.Time
	Volume           int64
	Participants     int
	WinningOutcome   *int
	ResolutionSource string
	DisputeReason    string
	ClosedAt         *time.Time
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a copy that shares no pointers with m.
func (m Market) Clone() Market {
	out := m
	out.WinningOutcome = cloneInt(m.WinningOutcome)
	out.ClosedAt = cloneTime(m.ClosedAt)
	out.ResolvedAt = cloneTime(m.ResolvedAt)
	return out
}

// CheckInvariants verifies that WinningOutcome is set exactly when the market
// is RESOLVED.
func (m Market) CheckInvariants() error {
	if !m.Status.Valid() {
		return fmt.Errorf("market %s: unknown status %q: %w", m.ID, m.Status, ErrInvalidArgument)
	}
	resolved := m.Status == MarketStatusResolved
	if resolved != (m.WinningOutcome != nil) {
		return fmt.Errorf("market %s: winning outcome set=%t with status %s: %w",
			m.ID, m.WinningOutcome != nil, m.Status, ErrInvalidTransition)
	}
	if m.WinningOutcome != nil && !ValidOutcome(*m.WinningOutcome) {
		return fmt.Errorf("market %s: winning outcome %d: %w", m.ID, *m.WinningOutcome, ErrInvalidArgument)
	}
	return nil
}

// Transition moves the market to status to, or fails with
// ErrInvalidTransition leaving m untouched.
func (m *Market) Transition(to MarketStatus, at time.Time) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("market %s: %s -> %s: %w", m.ID, m.Status, to, ErrInvalidTransition)
	}
	m.Status = to
	m.UpdatedAt = at
	switch to {
	case MarketStatusClosed:
		m.ClosedAt = &at
	case MarketStatusResolved, MarketStatusVoid:
		m.ResolvedAt = &at
	}
	return nil
}

// NewMarket carries the fields needed to create a market.
type NewMarket struct {
	ID       string // optional; generated when empty
	Category string
	Question string
	Outcomes [2]string
	ClosesAt time.Time
}

// MarketFilter narrows ListMarkets.
type MarketFilter struct {
	Status       MarketStatus // empty = any
	ClosesBefore *time.Time
	Limit        int
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
