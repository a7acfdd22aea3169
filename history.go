package cireilclaw

// MaxTurns bounds the history tail sent to the provider. A turn begins at a
// user-role message (or at the start of history).
const MaxTurns = 30

// truncateToTurns returns the tail of history holding at most maxTurns
// turns. Turns are never split: the cut lands on a user-role boundary.
func truncateToTurns(history []Message, maxTurns int) []Message {
	if maxTurns <= 0 || len(history) == 0 {
		return history
	}
	turns := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			turns++
			if turns == maxTurns {
				return history[i:]
			}
		}
	}
	return history
}

// squashMessages merges consecutive user messages and consecutive assistant
// messages by concatenating their content slices. Relative content order is
// preserved; other roles pass through unmerged.
func squashMessages(messages []Message) []Message {
	if len(messages) < 2 {
		return messages
	}
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if m.Role == last.Role && (m.Role == RoleUser || m.Role == RoleAssistant) {
				last.Content = append(last.Content, m.Content...)
				continue
			}
		}
		// Copy so squashing never aliases a history message's content slice.
		mm := m
		mm.Content = append([]Content(nil), m.Content...)
		out = append(out, mm)
	}
	return out
}

// buildTurnMessages assembles the provider message list: the truncated
// history tail, then pending tool responses, squashed.
func buildTurnMessages(history, pending []Message) []Message {
	msgs := truncateToTurns(history, MaxTurns)
	if len(pending) > 0 {
		msgs = append(append([]Message(nil), msgs...), pending...)
	}
	return squashMessages(msgs)
}
