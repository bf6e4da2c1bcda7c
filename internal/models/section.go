package models

// DataSchemaVersion is written as "v" on every persisted section list.
const DataSchemaVersion = 2

// Section is one marked range of a video, in seconds. A nil End means the
// user has set a start but not yet an end.
type Section struct {
	Start float64  `json:"start"`
	End   *float64 `json:"end,omitempty"`
}

// Complete reports whether the section has an end.
func (s Section) Complete() bool {
	return s.End != nil
}

// SectionList is the persisted value under sr:<hash>.
type SectionList struct {
	Sections  []Section `json:"sections"`
	UpdatedAt int64     `json:"updatedAt"` // epoch ms
	V         int       `json:"v"`
}

// CompletedCount returns the number of sections with an end.
func CompletedCount(sections []Section) int {
	n := 0
	for _, s := range sections {
		if s.Complete() {
			n++
		}
	}
	return n
}

// TrimSections caps sections at max entries. The oldest completed sections
// go first. The first in-progress section is always kept and moved to the
// end, under the cap too. It returns the kept sections and how many were
// dropped.
func TrimSections(sections []Section, max int) ([]Section, int) {
	if max <= 0 {
		return sections, 0
	}

	var incomplete *Section
	completed := make([]Section, 0, len(sections))
	for i := range sections {
		if !sections[i].Complete() {
			if incomplete == nil {
				s := sections[i]
				incomplete = &s
			}
			continue
		}
		completed = append(completed, sections[i])
	}

	keep := max
	if incomplete != nil {
		keep = max - 1
	}
	removed := 0
	if len(completed) > keep {
		removed = len(completed) - keep
		completed = completed[removed:]
	}

	out := completed
	if incomplete != nil {
		out = append(out, *incomplete)
	}
	return out, len(sections) - len(out)
}
