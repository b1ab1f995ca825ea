package musicgen

import "math"

// CosineAnnealing decays the learning rate from BaseLR to MinLR along half a
// cosine over TMax steps and stays at MinLR afterwards.
type CosineAnnealing struct {
	BaseLR float32
	MinLR  float32
	TMax   int
	step   int
}

func NewCosineAnnealing(baseLR, minLR float32, tMax int) *CosineAnnealing {
	return &CosineAnnealing{BaseLR: baseLR, MinLR: minLR, TMax: tMax}
}

// Step advances the schedule by one.
func (s *CosineAnnealing) Step() {
	s.step++
}

// Steps is how many times Step was called.
func (s *CosineAnnealing) Steps() int { return s.step }

// SetSteps restores the schedule position, used when resuming.
func (s *CosineAnnealing) SetSteps(n int) { s.step = n }

// LR is the learning rate at the current step.
func (s *CosineAnnealing) LR() float32 {
	if s.TMax <= 0 || s.step >= s.TMax {
		return s.MinLR
	}
	progress := float64(s.step) / float64(s.TMax)
	cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
	return s.MinLR + (s.BaseLR-s.MinLR)*float32(cosine)
}
