package repository

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MemoryContacts is an AudienceSource over an in-process contact list. The
// cursor is the index of the next contact to examine.
type MemoryContacts struct {
	mu       sync.RWMutex
	contacts []model.Contact
}

func NewMemoryContacts(contacts ...model.Contact) *MemoryContacts {
	m := &MemoryContacts{}
	for _, c := range contacts {
		m.Add(c)
	}
	return m
}

// Add appends a contact, assigning an id when missing.
func (m *MemoryContacts) Add(c model.Contact) model.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.contacts = append(m.contacts, c)
	return c
}

func (m *MemoryContacts) GetByID(_ context.Context, id string) (*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.contacts {
		if c.ID == id {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryContacts) Page(ctx context.Context, audience model.Audience, cursor string, limit int) ([]model.Recipient, string, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid audience cursor %q", cursor)
		}
		start = n
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var page []model.Recipient
	next := start
	for next < len(m.contacts) && len(page) < limit {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		c := m.contacts[next]
		next++
		if Matches(c, audience) {
			page = append(page, c.Recipient())
		}
	}
	return page, strconv.Itoa(next), nil
}

// Matches reports whether c satisfies every non-empty criterion of a.
func Matches(c model.Contact, a model.Audience) bool {
	if len(a.ContactIDs) > 0 && !slices.Contains(a.ContactIDs, c.ID) {
		return false
	}
	if a.ListID != "" && !slices.Contains(c.Lists, a.ListID) {
		return false
	}
	for _, tag := range a.Tags {
		if !slices.Contains(c.Tags, tag) {
			return false
		}
	}
	return true
}

var _ AudienceSource = (*MemoryContacts)(nil)
