package musicgen

import "math"

// sampleMult draws an index from probabilities given a uniform coin in
// [0, 1).
func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1
}

// applyTemperature rescales a distribution as softmax(log(p)/temperature).
// A temperature of 1 or less than or equal to 0 leaves probs unchanged.
func applyTemperature(probs []float32, temperature float32) []float32 {
	out := make([]float32, len(probs))
	if temperature <= 0 || temperature == 1 {
		copy(out, probs)
		return out
	}
	var sum float64
	for i, p := range probs {
		v := math.Pow(float64(p), 1/float64(temperature))
		out[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		copy(out, probs)
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
