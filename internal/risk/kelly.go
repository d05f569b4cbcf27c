package risk

// KellyFraction is the optimal-growth position-size fraction for a strategy
// with the given win rate and payoff ratio (average win / average loss):
//
//	f = winRate - (1 - winRate) / payoffRatio
//
// A non-positive result means the strategy has no edge at these numbers.
func KellyFraction(winRate, payoffRatio float64) float64 {
	if payoffRatio <= 0 || winRate <= 0 || winRate >= 1 {
		return 0
	}
	return winRate - (1-winRate)/payoffRatio
}
