package woot

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ClockStore persists the next counter value a site will issue.
type ClockStore interface {
	LoadClock(ctx context.Context, siteID string) (int64, error)
	StoreClock(ctx context.Context, siteID string, next int64) error
}

// Clock mints identifiers for one site. The advanced counter is stored
// before an identifier is handed out, so a restart never reissues one.
type Clock struct {
	mu     sync.Mutex
	siteID string
	next   int64
	store  ClockStore
}

func NewClock(ctx context.Context, siteID string, store ClockStore) (*Clock, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, fmt.Errorf("clock requires a site id")
	}
	if store == nil {
		store = NewMemoryClockStore()
	}
	next, err := store.LoadClock(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("load clock for %s: %w", siteID, err)
	}
	if next < 0 {
		next = 0
	}
	return &Clock{siteID: siteID, next: next, store: store}, nil
}

func (c *Clock) SiteID() string {
	return c.siteID
}

func (c *Clock) Tick(ctx context.Context) (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	issued := c.next
	if err := c.store.StoreClock(ctx, c.siteID, issued+1); err != nil {
		return ID{}, fmt.Errorf("advance clock for %s: %w", c.siteID, err)
	}
	c.next = issued + 1
	return ID{SiteID: c.siteID, Clock: issued}, nil
}

// Next is the counter value the following Tick will issue.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Observe moves the counter forward to at least next. It never moves back.
func (c *Clock) Observe(ctx context.Context, next int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next <= c.next {
		return nil
	}
	if err := c.store.StoreClock(ctx, c.siteID, next); err != nil {
		return fmt.Errorf("advance clock for %s: %w", c.siteID, err)
	}
	c.next = next
	return nil
}

type MemoryClockStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryClockStore() *MemoryClockStore {
	return &MemoryClockStore{values: map[string]int64{}}
}

func (s *MemoryClockStore) LoadClock(_ context.Context, siteID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[siteID], nil
}

func (s *MemoryClockStore) StoreClock(_ context.Context, siteID string, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[siteID] = next
	return nil
}
