package tracking

// ema returns alpha*next + (1-alpha)*prev
func ema(prev, next, alpha float64) float64 {
	return alpha*next + (1-alpha)*prev
}

// blend mixes two label distributions label by label. Labels missing on
// one side count as zero, so two distributions summing to 1 blend to one
// summing to 1. Labels that decay to nothing are dropped.
func blend(prev, next map[string]float64, alpha float64) map[string]float64 {
	out := make(map[string]float64, len(prev)+len(next))
	for label, p := range prev {
		out[label] = (1 - alpha) * p
	}
	for label, p := range next {
		out[label] += alpha * p
	}
	for label, p := range out {
		if p < 1e-6 {
			delete(out, label)
		}
	}
	return out
}

// vote adds one gender observation. The observed label is pulled towards
// its confidence while every other label decays towards zero.
func vote(scores map[string]float64, label string, confidence, alpha float64) map[string]float64 {
	if scores == nil {
		return map[string]float64{label: confidence}
	}
	for l, s := range scores {
		if l != label {
			scores[l] = ema(s, 0, alpha)
		}
	}
	if s, ok := scores[label]; ok {
		scores[label] = ema(s, confidence, alpha)
	} else {
		scores[label] = alpha * confidence
	}
	return scores
}
