package ledger

// History is the append-only, chronologically ordered list of entries.
// Appends are amortized O(1) and every position is randomly addressable.
type History struct {
	entries []Entry
}

// Append adds an entry and returns its position.
func (h *History) Append(e Entry) int {
	h.entries = append(h.entries, e)
	return len(h.entries) - 1
}

// Len returns the number of recorded entries.
func (h *History) Len() int {
	return len(h.entries)
}

// At returns the entry at position i.
func (h *History) At(i int) (Entry, bool) {
	if i < 0 || i >= len(h.entries) {
		return Entry{}, false
	}
	return h.entries[i], true
}

// Page returns a copy of at most limit entries starting at offset.
// limit <= 0 means "to the end".
func (h *History) Page(offset, limit int) []Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(h.entries) {
		return []Entry{}
	}
	end := len(h.entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Entry, end-offset)
	copy(out, h.entries[offset:end])
	return out
}

// All returns a copy of the full history.
func (h *History) All() []Entry {
	return h.Page(0, 0)
}
