package stt

import (
	"strings"
	"sync"
)

// Transcript is an append-only buffer of finalized fragments.
type Transcript struct {
	mu        sync.RWMutex
	fragments []string
}

// Append commits a finalized fragment terminated by a single space. Blank
// fragments are ignored.
func (t *Transcript) Append(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	t.mu.Lock()
	t.fragments = append(t.fragments, text+" ")
	t.mu.Unlock()
	return true
}

func (t *Transcript) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return strings.Join(t.fragments, "")
}

func (t *Transcript) Fragments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.fragments...)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fragments)
}

func (t *Transcript) Clear() {
	t.mu.Lock()
	t.fragments = nil
	t.mu.Unlock()
}
