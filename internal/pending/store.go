package pending

import (
	"sync"
	"time"

	"concierge/internal/domain"
)

// StagedCommand is a command held back until the sender authenticates. It is
// replayed at most once after a successful PIN entry. Msg carries the
// originating platform, so replay happens on the adapter the reply arrives on.
type StagedCommand struct {
	Name string
	Args []string
	Msg  domain.Message
}

// ChangeStage tracks where a /pin change flow stands.
type ChangeStage int

const (
	ChangeNone ChangeStage = iota
	ChangeVerifyCurrent
	ChangeEnterNew
)

// PINEntry is an outstanding PIN prompt for one sender.
type PINEntry struct {
	CreatedAt time.Time
	Staged    *StagedCommand
	Change    ChangeStage
}

// Approval is an outstanding yes/no confirmation. Decision carries the
// verdict to whichever goroutine is waiting on it; Staged (if set) is a
// command to replay on approval instead.
type Approval struct {
	CreatedAt time.Time
	Prompt    string
	Staged    *StagedCommand
	Decision  chan bool
}

// IndexScope is an outstanding "index as public, admin, or skip?" prompt.
type IndexScope struct {
	CreatedAt time.Time
}

// ChatOption is one row in a mode-picker listing.
type ChatOption struct {
	ChatID   string
	Name     string
	Personal bool
}

// ModePicker is an outstanding numbered chat selection for a /mode change.
type ModePicker struct {
	CreatedAt   time.Time
	Candidates  []ChatOption
	Mode        domain.ChatMode
	AssignAgent string
}

// Wizard is an in-progress business profile setup.
type Wizard struct {
	CreatedAt time.Time
	Step      int
	Draft     domain.BusinessProfile
}

// Store holds every outstanding interactive flow. Approvals, PIN prompts,
// scopes, and wizards are keyed by sender; pickers are keyed by chat, since
// the follow-up number arrives in the same chat regardless of device.
// Entries expire lazily after the TTL; setting a slot replaces any previous
// entry silently.
type Store struct {
	ttl time.Duration

	mu        sync.Mutex
	approvals map[string]*Approval
	pins      map[string]*PINEntry
	scopes    map[string]*IndexScope
	pickers   map[string]*ModePicker
	wizards   map[string]*Wizard
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		ttl:       ttl,
		approvals: make(map[string]*Approval),
		pins:      make(map[string]*PINEntry),
		scopes:    make(map[string]*IndexScope),
		pickers:   make(map[string]*ModePicker),
		wizards:   make(map[string]*Wizard),
	}
}

func (s *Store) expired(createdAt time.Time) bool {
	return time.Since(createdAt) > s.ttl
}

// --- Approvals (sender-keyed) ---

func (s *Store) SetApproval(senderID string, a *Approval) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.approvals[senderID]; ok && prev.Decision != nil {
		// Unblock any waiter on the replaced approval.
		select {
		case prev.Decision <- false:
		default:
		}
	}
	s.approvals[senderID] = a
}

func (s *Store) Approval(senderID string) *Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[senderID]
	if !ok {
		return nil
	}
	if s.expired(a.CreatedAt) {
		delete(s.approvals, senderID)
		if a.Decision != nil {
			select {
			case a.Decision <- false:
			default:
			}
		}
		return nil
	}
	return a
}

func (s *Store) ClearApproval(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approvals, senderID)
}

// --- PIN prompts (sender-keyed) ---

func (s *Store) SetPIN(senderID string, e *PINEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[senderID] = e
}

// PIN returns the sender's outstanding PIN prompt. The second result is true
// when a prompt existed but expired on this lookup, so the caller can tell
// the sender to start over.
func (s *Store) PIN(senderID string) (*PINEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pins[senderID]
	if !ok {
		return nil, false
	}
	if s.expired(e.CreatedAt) {
		delete(s.pins, senderID)
		return nil, true
	}
	return e, false
}

func (s *Store) ClearPIN(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, senderID)
}

// --- Index scopes (sender-keyed) ---

func (s *Store) SetScope(senderID string, sc *IndexScope) {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[senderID] = sc
}

func (s *Store) Scope(senderID string) *IndexScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[senderID]
	if !ok {
		return nil
	}
	if s.expired(sc.CreatedAt) {
		delete(s.scopes, senderID)
		return nil
	}
	return sc
}

func (s *Store) ClearScope(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, senderID)
}

// --- Mode pickers (chat-keyed) ---

func (s *Store) SetPicker(chatID string, p *ModePicker) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pickers[chatID] = p
}

func (s *Store) Picker(chatID string) *ModePicker {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pickers[chatID]
	if !ok {
		return nil
	}
	if s.expired(p.CreatedAt) {
		delete(s.pickers, chatID)
		return nil
	}
	return p
}

func (s *Store) ClearPicker(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pickers, chatID)
}

// --- Business wizards (sender-keyed) ---

func (s *Store) SetWizard(senderID string, w *Wizard) {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wizards[senderID] = w
}

func (s *Store) Wizard(senderID string) *Wizard {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wizards[senderID]
	if !ok {
		return nil
	}
	if s.expired(w.CreatedAt) {
		delete(s.wizards, senderID)
		return nil
	}
	return w
}

func (s *Store) ClearWizard(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wizards, senderID)
}
