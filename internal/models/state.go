package models

import (
	"fmt"
	"sort"
	"strconv"
)

// TabStatus marks a tab whose content script is still booting.
type TabStatus string

const StatusInitializing TabStatus = "initializing"

// TabState is the transient per-tab playback record.
type TabState struct {
	Status      TabStatus `json:"status,omitempty"`
	Repeating   bool      `json:"repeating,omitempty"`
	VideoID     string    `json:"videoId,omitempty"`
	LastSeen    int64     `json:"lastSeen,omitempty"` // epoch ms
	IsFocusMode bool      `json:"isFocusMode,omitempty"`
}

// TabStateMap is keyed by the decimal tab id. It is persisted as one
// session entry so it can be read-modify-written under the queue lock.
type TabStateMap map[string]TabState

// TabKey converts a tab id to its map key.
func TabKey(tabID int) string {
	return strconv.Itoa(tabID)
}

// NewTabStateMap returns an empty map.
func NewTabStateMap() TabStateMap {
	return make(TabStateMap)
}

// Get returns the state for tabID.
func (m TabStateMap) Get(tabID int) (TabState, bool) {
	s, ok := m[TabKey(tabID)]
	return s, ok
}

// Has reports whether tabID has an entry.
func (m TabStateMap) Has(tabID int) bool {
	_, ok := m[TabKey(tabID)]
	return ok
}

// Set stores the state for tabID.
func (m TabStateMap) Set(tabID int, s TabState) {
	m[TabKey(tabID)] = s
}

// Delete removes tabID and reports whether an entry existed.
func (m TabStateMap) Delete(tabID int) bool {
	key := TabKey(tabID)
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	return true
}

// TabIDs returns the tab ids in ascending order.
func (m TabStateMap) TabIDs() ([]int, error) {
	ids := make([]int, 0, len(m))
	for key := range m {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("tab state key %q: %w", key, err)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Clone returns a copy that can be mutated independently.
func (m TabStateMap) Clone() TabStateMap {
	clone := make(TabStateMap, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
