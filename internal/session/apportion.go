package session

// Apportioner splits an aggregate rate over live sessions. The returned slice
// is index-aligned with ids and sums to total.
type Apportioner interface {
	Apportion(total float64, ids []string) []float64
}

// Uniform gives every session the same share.
type Uniform struct{}

func (Uniform) Apportion(total float64, ids []string) []float64 {
	out := make([]float64, len(ids))
	if len(ids) == 0 {
		return out
	}
	share := total / float64(len(ids))
	for i := range out {
		out[i] = share
	}
	return out
}

// Weighted gives sessions shares proportional to their weight. Sessions
// without a positive weight count as weight 1.
type Weighted map[string]float64

func (w Weighted) Apportion(total float64, ids []string) []float64 {
	out := make([]float64, len(ids))
	var sum float64
	for i, id := range ids {
		wt := w[id]
		if wt <= 0 {
			wt = 1
		}
		out[i] = wt
		sum += wt
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] = total * out[i] / sum
	}
	return out
}
