package inbox

import "sort"

// Snapshot is the read model handed to presentation code.
type Snapshot struct {
	Conversations []Conversation `json:"conversations"`
	ActiveID      string         `json:"active_id,omitempty"`
	Loading       bool           `json:"loading"`
	Error         string         `json:"error,omitempty"`
}

// State is the ordered conversation list with selection and status flags.
// It holds no locks; the Reconciler serialises access.
type State struct {
	convs   []Conversation
	active  string
	loading bool
	err     error
}

func (s *State) index(contactID string) int {
	for i := range s.convs {
		if s.convs[i].ContactID == contactID {
			return i
		}
	}
	return -1
}

// get returns the conversation for contactID, creating an empty one at the
// end of the list when it is first referenced.
func (s *State) get(contactID string) *Conversation {
	if i := s.index(contactID); i >= 0 {
		return &s.convs[i]
	}
	s.convs = append(s.convs, Conversation{ContactID: contactID})
	return &s.convs[len(s.convs)-1]
}

// sort orders conversations by last message, newest first. Conversations
// without messages go last; ties keep their current relative order.
func (s *State) sort() {
	sortConversations(s.convs)
}

func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if !a.HasMessages() || !b.HasMessages() {
			return a.HasMessages() && !b.HasMessages()
		}
		return a.LastMessageTimestamp.After(b.LastMessageTimestamp)
	})
}

func (s *State) snapshot() Snapshot {
	snap := Snapshot{
		Conversations: make([]Conversation, len(s.convs)),
		ActiveID:      s.active,
		Loading:       s.loading,
	}
	copy(snap.Conversations, s.convs)
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
