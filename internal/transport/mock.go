package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

// MockHost is an in-memory Host for tests.
type MockHost struct {
	mu sync.Mutex

	// Response configuration
	Tabs      map[int]models.Tab
	Responses map[models.MessageType]*models.Response

	// Error injection
	SendError   error
	SendErrors  map[int]error
	LookupError error

	// Request tracking
	Sent       []SentMessage
	Broadcasts []models.Message
}

// SentMessage tracks one SendToTab call.
type SentMessage struct {
	TabID   int
	Message models.Message
}

// NewMockHost creates a mock host with no tabs.
func NewMockHost() *MockHost {
	return &MockHost{
		Tabs:       make(map[int]models.Tab),
		Responses:  make(map[models.MessageType]*models.Response),
		SendErrors: make(map[int]error),
	}
}

// SendToTab records msg. Messages to unknown tabs fail with ErrTabClosed.
func (m *MockHost) SendToTab(_ context.Context, tabID int, msg models.Message) (*models.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, SentMessage{TabID: tabID, Message: msg})

	if err, ok := m.SendErrors[tabID]; ok {
		return nil, err
	}
	if m.SendError != nil {
		return nil, m.SendError
	}
	if _, ok := m.Tabs[tabID]; !ok {
		return nil, fmt.Errorf("tab %d: %w", tabID, ErrTabClosed)
	}
	if resp, ok := m.Responses[msg.Type]; ok {
		return resp, nil
	}
	return &models.Response{Success: true}, nil
}

// Broadcast records msg and counts matching tabs.
func (m *MockHost) Broadcast(_ context.Context, filter models.TabFilter, msg models.Message) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Broadcasts = append(m.Broadcasts, msg)
	n := 0
	for _, t := range m.Tabs {
		if filter.Matches(t) {
			n++
		}
	}
	return n, nil
}

// GetTab returns a registered tab.
func (m *MockHost) GetTab(_ context.Context, tabID int) (*models.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LookupError != nil {
		return nil, m.LookupError
	}
	t, ok := m.Tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("tab %d: %w", tabID, models.ErrNotFound)
	}
	return &t, nil
}

// ListTabs returns registered tabs matching filter.
func (m *MockHost) ListTabs(_ context.Context, filter models.TabFilter) ([]models.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LookupError != nil {
		return nil, m.LookupError
	}
	var tabs []models.Tab
	for _, t := range m.Tabs {
		if filter.Matches(t) {
			tabs = append(tabs, t)
		}
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs, nil
}

// Helper methods for test setup

// AddTab registers a live tab.
func (m *MockHost) AddTab(tabID int, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tabs[tabID] = models.Tab{ID: tabID, URL: url}
}

// RemoveTab forgets a tab.
func (m *MockHost) RemoveTab(tabID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Tabs, tabID)
}

// SetResponse sets the answer for a message type.
func (m *MockHost) SetResponse(t models.MessageType, resp *models.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[t] = resp
}

// SetSendError makes sends to tabID fail.
func (m *MockHost) SetSendError(tabID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErrors[tabID] = err
}

// SentTo returns the messages sent to tabID.
func (m *MockHost) SentTo(tabID int) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, s := range m.Sent {
		if s.TabID == tabID {
			out = append(out, s.Message)
		}
	}
	return out
}

// SentOfType returns every sent message of type t.
func (m *MockHost) SentOfType(t models.MessageType) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.Sent {
		if s.Message.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastsOfType returns every broadcast of type t.
func (m *MockHost) BroadcastsOfType(t models.MessageType) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, b := range m.Broadcasts {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

// Reset clears tracked requests.
func (m *MockHost) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = nil
	m.Broadcasts = nil
}

// NoTabs is a Host with no tabs, used when the worker runs headless from
// the CLI.
type NoTabs struct{}

func (NoTabs) SendToTab(_ context.Context, tabID int, _ models.Message) (*models.Response, error) {
	return nil, fmt.Errorf("tab %d: %w", tabID, ErrTabClosed)
}

func (NoTabs) Broadcast(context.Context, models.TabFilter, models.Message) (int, error) {
	return 0, nil
}

func (NoTabs) GetTab(_ context.Context, tabID int) (*models.Tab, error) {
	return nil, fmt.Errorf("tab %d: %w", tabID, models.ErrNotFound)
}

func (NoTabs) ListTabs(context.Context, models.TabFilter) ([]models.Tab, error) {
	return nil, nil
}
