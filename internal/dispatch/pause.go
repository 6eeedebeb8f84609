package dispatch

import (
	"sync"
	"time"
)

// PauseTracker remembers until when automated replies in a chat are
// suspended. Entries expire lazily on read.
type PauseTracker struct {
	mu      sync.Mutex
	resumes map[string]time.Time
}

func NewPauseTracker() *PauseTracker {
	return &PauseTracker{resumes: make(map[string]time.Time)}
}

// Pause suspends automated replies in chatID for d. A later resume time
// never shortens an existing pause.
func (p *PauseTracker) Pause(chatID string, d time.Duration) {
	until := time.Now().Add(d)
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.resumes[chatID]; !ok || until.After(existing) {
		p.resumes[chatID] = until
	}
}

// Paused reports whether chatID is inside a pause window, dropping the
// entry once it has lapsed.
func (p *PauseTracker) Paused(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.resumes[chatID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(p.resumes, chatID)
		return false
	}
	return true
}

// Remaining returns how much pause time is left for chatID, or zero.
func (p *PauseTracker) Remaining(chatID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.resumes[chatID]
	if !ok {
		return 0
	}
	remaining := time.Until(until)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Resume clears any pause on chatID.
func (p *PauseTracker) Resume(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resumes, chatID)
}
