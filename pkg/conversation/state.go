package conversation

// State is the persisted conversation of one thread
type State struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
}

// NewState creates an empty state for threadID
func NewState(threadID string) *State {
	return &State{ThreadID: threadID}
}

// Append adds messages to the end of the thread
func (s *State) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// Len returns the number of messages
func (s *State) Len() int {
	return len(s.Messages)
}

// Last returns the last message, if any
func (s *State) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastAI returns the text of the most recent AI message
func (s *State) LastAI() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAI {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy of s
func (s *State) Clone() *State {
	out := &State{ThreadID: s.ThreadID, Messages: make([]Message, len(s.Messages))}
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}
