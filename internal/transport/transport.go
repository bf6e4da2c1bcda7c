// Package transport connects the worker to browser tabs: it delivers
// messages to content scripts and answers whether a tab still exists.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

// ErrTabClosed is returned when a message targets a tab that is gone or has
// no receiving end.
var ErrTabClosed = errors.New("tab closed")

// Messenger sends messages to tabs.
type Messenger interface {
	// SendToTab delivers msg and waits for the tab's response.
	SendToTab(ctx context.Context, tabID int, msg models.Message) (*models.Response, error)

	// Broadcast delivers msg to every tab matching filter without waiting
	// for responses. It returns how many tabs it reached.
	Broadcast(ctx context.Context, filter models.TabFilter, msg models.Message) (int, error)
}

// TabRegistry looks up live tabs. GetTab wraps models.ErrNotFound for a tab
// that does not exist.
type TabRegistry interface {
	GetTab(ctx context.Context, tabID int) (*models.Tab, error)
	ListTabs(ctx context.Context, filter models.TabFilter) ([]models.Tab, error)
}

// Host is the browser as the worker sees it.
type Host interface {
	Messenger
	TabRegistry
}

// MessageHandler answers an inbound message.
type MessageHandler func(ctx context.Context, sender models.Sender, msg models.Message) models.Response

// TabListener observes tab lifecycle events.
type TabListener interface {
	OnTabUpdated(ctx context.Context, tabID int, url string)
	OnTabRemoved(ctx context.Context, tabID int)
}

// Frame kinds on the tab socket.
const (
	FrameHello    = "hello"
	FrameUpdate   = "update"
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameEvent    = "event"
)

// Frame is the wire envelope between the hub and a tab. Requests carry an
// ID that the matching response echoes.
type Frame struct {
	Kind     string           `json:"kind"`
	ID       string           `json:"id,omitempty"`
	TabID    int              `json:"tabId,omitempty"`
	URL      string           `json:"url,omitempty"`
	Message  *models.Message  `json:"message,omitempty"`
	Response *models.Response `json:"response,omitempty"`
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
