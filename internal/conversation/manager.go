package conversation

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/llm"
)

// Pricer prices one API exchange. Nil result means the model has no
// pricing entry.
type Pricer interface {
	PriceOf(model string, usage llm.Usage) *float64
}

// Persister stores conversations. Persist is called debounced and may
// be slow; Delete removes a conversation and its history.
type Persister interface {
	Persist(conv *Conversation) error
	Delete(id string) error
}

const persistDebounce = 1 * time.Second

// Manager owns all live conversations, keyed by ID. Ledger mutations
// go through it so that pricing, persistence, and cascade rules apply
// uniformly. Operations on unknown IDs log and return; call sites may
// race with deletion and that must never be fatal.
type Manager struct {
	pricer    Pricer
	persister Persister
	logger    *slog.Logger

	mu     sync.Mutex
	convs  map[string]*Conversation
	timers map[string]*time.Timer
}

// NewManager creates a conversation manager. pricer and persister may
// be nil, in which case messages go unpriced and nothing persists.
func NewManager(pricer Pricer, persister Persister, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pricer:    pricer,
		persister: persister,
		logger:    logger.With("component", "conversations"),
		convs:     make(map[string]*Conversation),
		timers:    make(map[string]*time.Timer),
	}
}

// Create makes a new conversation and registers it.
func (m *Manager) Create(settings Settings) *Conversation {
	conv := New(settings)
	m.Add(conv)
	return conv
}

// Add registers an existing conversation (e.g. restored from storage).
func (m *Manager) Add(conv *Conversation) {
	m.mu.Lock()
	m.convs[conv.ID] = conv
	m.mu.Unlock()
}

// Get returns the conversation, or nil if unknown.
func (m *Manager) Get(id string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs[id]
}

// All returns the registered root conversations, most recently
// updated first.
func (m *Manager) All() []*Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		if !c.IsSubConversation() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (m *Manager) lookup(id, op string) *Conversation {
	m.mu.Lock()
	conv := m.convs[id]
	m.mu.Unlock()
	if conv == nil {
		m.logger.Error("ledger operation on unknown conversation", "op", op, "conversation_id", id)
	}
	return conv
}

// Append prices the message if it carries usage, appends it, and
// schedules a persist. Unknown IDs are a logged no-op.
func (m *Manager) Append(id string, msg *Message) {
	conv := m.lookup(id, "append")
	if conv == nil {
		return
	}
	m.priceMessage(msg)
	conv.Append(msg)
	m.SchedulePersist(id)
}

// Insert adds a message at index. Unknown IDs are a logged no-op.
func (m *Manager) Insert(id string, index int, msg *Message) {
	conv := m.lookup(id, "insert")
	if conv == nil {
		return
	}
	m.priceMessage(msg)
	conv.Insert(index, msg)
	m.SchedulePersist(id)
}

// Remove deletes a message range. Unknown IDs are a logged no-op.
func (m *Manager) Remove(id string, index, count int) {
	conv := m.lookup(id, "remove")
	if conv == nil {
		return
	}
	conv.Remove(index, count)
	m.SchedulePersist(id)
}

// Truncate removes messages from fromIndex on, conserving their usage
// in accounting nodes. Unknown IDs are a logged no-op.
func (m *Manager) Truncate(id string, fromIndex int, reason string) {
	conv := m.lookup(id, "truncate")
	if conv == nil {
		return
	}
	conv.Truncate(fromIndex, reason)
	m.SchedulePersist(id)
}

// Recompute rebuilds a conversation's aggregates and schedules a
// persist. Used after out-of-band message edits such as attaching
// sub-conversation costs.
func (m *Manager) Recompute(id string) {
	conv := m.lookup(id, "recompute")
	if conv == nil {
		return
	}
	conv.Recompute()
	m.SchedulePersist(id)
}

func (m *Manager) priceMessage(msg *Message) {
	if m.pricer == nil || msg.Usage == nil || msg.Model == "" || msg.Price != nil {
		return
	}
	msg.Price = m.pricer.PriceOf(msg.Model, *msg.Usage)
}

// Delete removes a conversation and cascades to its sub-conversations.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	conv := m.convs[id]
	delete(m.convs, id)
	if t := m.timers[id]; t != nil {
		t.Stop()
		delete(m.timers, id)
	}
	var children []string
	for cid, c := range m.convs {
		if c.ParentConversationID == id {
			children = append(children, cid)
		}
	}
	m.mu.Unlock()

	if conv == nil {
		m.logger.Error("delete of unknown conversation", "conversation_id", id)
		return
	}

	for _, cid := range children {
		m.Delete(cid)
	}

	if m.persister != nil && !conv.IsSubConversation() {
		if err := m.persister.Delete(id); err != nil {
			m.logger.Error("failed to delete conversation from store", "conversation_id", id, "error", err)
		}
	}
}

// SchedulePersist queues a debounced persist for the conversation.
// Sub-conversations are ephemeral and never hit storage.
func (m *Manager) SchedulePersist(id string) {
	if m.persister == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.convs[id]
	if conv == nil || conv.IsSubConversation() {
		return
	}

	if t := m.timers[id]; t != nil {
		t.Reset(persistDebounce)
		return
	}
	m.timers[id] = time.AfterFunc(persistDebounce, func() {
		m.mu.Lock()
		delete(m.timers, id)
		conv := m.convs[id]
		m.mu.Unlock()
		if conv == nil {
			return
		}
		if err := m.persist(conv); err != nil {
			m.logger.Error("failed to persist conversation", "conversation_id", id, "error", err)
		}
	})
}

// Flush persists every root conversation immediately, cancelling
// pending debounce timers. Used at shutdown.
func (m *Manager) Flush() {
	if m.persister == nil {
		return
	}

	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	convs := make([]*Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		if !c.IsSubConversation() {
			convs = append(convs, c)
		}
	}
	m.mu.Unlock()

	for _, c := range convs {
		if err := m.persist(c); err != nil {
			m.logger.Error("failed to persist conversation", "conversation_id", c.ID, "error", err)
		}
	}
}

// persist serializes against ledger mutations: the processing loop may
// be appending on another goroutine while the debounce timer fires,
// and the persister marshals the message list.
func (m *Manager) persist(conv *Conversation) error {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return m.persister.Persist(conv)
}
