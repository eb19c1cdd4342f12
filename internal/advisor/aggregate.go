package advisor

// Aggregate groups opinions by ticker and resolves each group into a single
// decision by confidence-weighted voting.
//
// Tickers appear in the order they were first seen. The winning action is the
// one with the highest summed confidence; ties go to the action listed first
// in Actions (BUY, then SELL, then HOLD). Duplicate opinions are counted
// every time they occur.
func Aggregate(opinions []Opinion) []AggregatedDecision {
	if len(opinions) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]Opinion)
	for _, op := range opinions {
		if _, ok := groups[op.Ticker]; !ok {
			order = append(order, op.Ticker)
		}
		groups[op.Ticker] = append(groups[op.Ticker], op)
	}

	decisions := make([]AggregatedDecision, 0, len(order))
	for _, ticker := range order {
		decisions = append(decisions, decide(ticker, groups[ticker]))
	}
	return decisions
}

func decide(ticker string, ops []Opinion) AggregatedDecision {
	votes := Tally(ops)

	final := ActionHold
	best := -1
	total := 0
	for _, action := range Actions {
		v := votes[action]
		total += v
		if v > best {
			best = v
			final = action
		}
	}

	sumConfidence := 0
	for _, op := range ops {
		sumConfidence += op.Confidence
	}

	var consensus float64
	if total > 0 {
		consensus = float64(best) / float64(total)
	}

	return AggregatedDecision{
		Ticker:            ticker,
		FinalAction:       final,
		ConfidenceScore:   float64(sumConfidence) / float64(len(ops)),
		ConsensusStrength: consensus,
		Opinions:          ops,
	}
}

// Tally sums confidence per action. Every action is present in the result.
func Tally(ops []Opinion) map[Action]int {
	votes := map[Action]int{ActionBuy: 0, ActionSell: 0, ActionHold: 0}
	for _, op := range ops {
		votes[ParseAction(string(op.Action))] += op.Confidence
	}
	return votes
}
