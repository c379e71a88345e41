package inbox

import "sort"

// Thread is the ordered message list of the open conversation. Messages are
// kept in non-decreasing CreatedAt order and are unique by ID.
type Thread struct {
	ContactID string
	msgs      []Message
}

// NewThread creates an empty thread for contactID.
func NewThread(contactID string) *Thread {
	return &Thread{ContactID: contactID}
}

func (t *Thread) find(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Insert adds m unless a message with the same ID is already present.
// Equal timestamps keep arrival order.
func (t *Thread) Insert(m Message) bool {
	if t.find(m.ID) >= 0 {
		return false
	}
	t.place(m)
	return true
}

func (t *Thread) place(m Message) {
	i := sort.Search(len(t.msgs), func(i int) bool {
		return t.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
}

// Update replaces the stored copy of m. Unknown messages are ignored.
func (t *Thread) Update(m Message) bool {
	i := t.find(m.ID)
	if i < 0 {
		return false
	}
	if t.msgs[i].CreatedAt.Equal(m.CreatedAt) {
		t.msgs[i] = m
		return true
	}
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	t.place(m)
	return true
}

// Messages returns a copy of the thread in display order.
func (t *Thread) Messages() []Message {
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Thread) Len() int { return len(t.msgs) }
