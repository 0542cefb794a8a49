package conversation

// EstimateTurnTokens approximates the token cost of a turn. Four bytes per
// token is the usual rough cut for mixed prose and code.
func EstimateTurnTokens(t Turn) int {
	return (len(t.Content) + len(t.Role) + len(t.ToolName)) / 4
}

// TrimToBudget drops the oldest whole turns until the estimated token total
// fits the budget. Turns are never split. The most recent turn is always
// kept even if it alone exceeds the budget, since dropping it would erase
// the request the caller is continuing.
func TrimToBudget(turns []Turn, budgetTokens int) []Turn {
	if len(turns) == 0 || budgetTokens <= 0 {
		return nil
	}

	// Walk newest to oldest, admitting whole turns until the budget is spent.
	total := 0
	cut := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		total += EstimateTurnTokens(turns[i])
		if total > budgetTokens && i < len(turns)-1 {
			break
		}
		cut = i
	}
	return turns[cut:]
}
