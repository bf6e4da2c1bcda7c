package models

import (
	"net/url"
	"strings"
)

// Tab is a live browser tab as seen through the tab registry.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Active bool   `json:"active,omitempty"`
}

// TabFilter narrows ListTabs. An empty Host matches every tab.
type TabFilter struct {
	Host string
}

// Matches reports whether the tab's host is Host or a subdomain of it.
func (f TabFilter) Matches(t Tab) bool {
	if f.Host == "" {
		return true
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == f.Host || strings.HasSuffix(host, "."+f.Host)
}

// IsVideoPage reports whether rawURL points at a watch, shorts or embed page.
func IsVideoPage(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	return strings.Contains(path, "/watch") ||
		strings.HasPrefix(path, "/shorts/") ||
		strings.HasPrefix(path, "/embed/")
}

// Sender identifies the origin of an inbound message. TabID is zero for
// messages from the popup or the CLI.
type Sender struct {
	TabID int
	URL   string
}
