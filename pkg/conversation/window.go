package conversation

// DefaultLastNTurns is the number of earlier user turns kept in the window
const DefaultLastNTurns = 20

// BuildWindow returns the slice of history sent to the model.
//
// The last real human message and everything after it are kept as they are.
// Before it, at most lastN real human messages are kept together with the
// text of AI messages that follow them; tool calls, tool results, empty AI
// messages and synthetic messages are dropped. The input is not modified.
func BuildWindow(history []Message, lastN int) []Message {
	if lastN <= 0 {
		lastN = DefaultLastNTurns
	}

	boundary := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsRealHuman() {
			boundary = i
			break
		}
	}

	if boundary < 0 {
		out := make([]Message, len(history))
		for i, m := range history {
			out[i] = m.Clone()
		}
		return out
	}

	earlier := cleanHistory(history[:boundary], lastN)
	out := make([]Message, 0, len(earlier)+len(history)-boundary)
	out = append(out, earlier...)
	for _, m := range history[boundary:] {
		out = append(out, m.Clone())
	}
	return out
}

// cleanHistory walks backwards keeping human turns and AI text until the
// turn budget is spent, then restores chronological order.
func cleanHistory(msgs []Message, lastN int) []Message {
	var kept []Message
	turns := 0

	for i := len(msgs) - 1; i >= 0 && turns < lastN; i-- {
		m := msgs[i]
		switch {
		case m.IsRealHuman():
			kept = append(kept, Human(m.Content))
			turns++
		case m.Role == RoleAI && m.HasText():
			kept = append(kept, AI(m.Content))
		}
	}

	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return kept
}
