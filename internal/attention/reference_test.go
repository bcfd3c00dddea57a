package attention

import "math"

// referenceForward is the textbook two-pass formulation: materialise every
// score of a query row, take exp(score) / Σ exp(score) with no max shift,
// then sum the weighted values. It is only fit for small inputs whose scores
// cannot overflow exp.
// q is [batch, seq, hidden], k and v are [batch, total, hidden] where query
// s sits at absolute position prior+s.
func referenceForward(q, k, v []float32, batch, seq, total, prior, hidden, heads int, scale float32) []float32 {
	hd := hidden / heads
	out := make([]float32, batch*seq*hidden)
	weights := make([]float64, total)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			off := h * hd
			for s := 0; s < seq; s++ {
				qv := q[(b*seq+s)*hidden+off:]
				n := prior + s + 1
				var sum float64
				for t := 0; t < n; t++ {
					kv := k[(b*total+t)*hidden+off:]
					var dot float64
					for i := 0; i < hd; i++ {
						dot += float64(qv[i]) * float64(kv[i])
					}
					weights[t] = math.Exp(float64(scale) * dot)
					sum += weights[t]
				}
				o := out[(b*seq+s)*hidden+off:]
				for i := 0; i < hd; i++ {
					var acc float64
					for t := 0; t < n; t++ {
						acc += weights[t] / sum * float64(v[(b*total+t)*hidden+off+i])
					}
					o[i] = float32(acc)
				}
			}
		}
	}
	return out
}
