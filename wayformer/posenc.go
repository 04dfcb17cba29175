package wayformer

import "math"

// PositionalEncoding returns the (s, d) sinusoidal table:
//
//	pe[p][2i]   = sin(p / 10000^(2i/d))
//	pe[p][2i+1] = cos(p / 10000^(2i/d))
func PositionalEncoding(s, d int) [][]float32 {
	pe := make([][]float32, s)
	for p := range pe {
		pe[p] = make([]float32, d)
		for i := 0; i < d; i += 2 {
			angle := float64(p) / math.Pow(10000, float64(i)/float64(d))
			pe[p][i] = float32(math.Sin(angle))
			if i+1 < d {
				pe[p][i+1] = float32(math.Cos(angle))
			}
		}
	}
	return pe
}
