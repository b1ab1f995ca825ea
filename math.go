package musicgen

import (
	"math"
	"math/rand/v2"
	"sync"
)

// encoderForward adds the token embedding of every input to the embedding
// of its position. out is (B,T,C).
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			tok := int(inp[b*T+t])
			wteIx := wte[tok*C:]
			wpeT := wpe[t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = wteIx[i] + wpeT[i]
			}
		}
	}
}

func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			tok := int(inp[b*T+t])
			dwteIx := dwte[tok*C:]
			dwpeT := dwpe[t*C:]
			for i := 0; i < C; i++ {
				dwteIx[i] += doutBT[i]
				dwpeT[i] += doutBT[i]
			}
		}
	}
}

// layernormForward normalises every C-vector of inp to zero mean and unit
// variance, then scales and shifts it. mean and rstd are kept for backward.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				shift := float64(x[i]) - m
				v += shift * shift
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*C + t*C
			doutBT := dout[base : base+C]
			inpBT := inp[base : base+C]
			dinpBT := dinp[base : base+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				norm := (inpBT[i] - meanBT) * rstdBT
				dnorm := weight[i] * doutBT[i]
				dnormMean += dnorm
				dnormNormMean += dnorm * norm
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				norm := (inpBT[i] - meanBT) * rstdBT
				dnorm := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += norm * doutBT[i]
				dinpBT[i] += (dnorm - dnormMean - norm*dnormNormMean) * rstdBT
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias. inp is (B,T,C),
// weight is (OC,C), bias (OC) may be nil, out is (B,T,OC).
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inpBT[i]) * float64(wrow[i])
					}
					outBT[o] = float32(val)
				}
			}(b, t)
		}
	}
	wg.Wait()
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				doutBT := dout[b*T*OC+t*OC:]
				dinpBT := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutBT[o]
					for i := 0; i < C; i++ {
						dinpBT[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			dwrow := dweight[o*C:]
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					d := dout[b*T*OC+t*OC+o]
					inpBT := inp[b*T*C+t*C:]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

// attentionForward runs causal multi-head self attention. inp is (B,T,3C)
// holding query, key and value; preatt and att are (B,NH,T,T); out is
// (B,T,C).
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					maxval := math.Inf(-1)
					for t2 := 0; t2 <= t; t2++ {
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(queryT[i]) * float64(keyT2[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}

					var expsum float64
					for t2 := 0; t2 <= t; t2++ {
						expv := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += expv
						attBTH[t2] = float32(expv)
					}
					var expsumInv float64
					if expsum != 0 {
						expsumInv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] *= float32(expsumInv)
						} else {
							attBTH[t2] = 0
						}
					}

					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * valueT2[i]
						}
					}
				}(b, t, h)
			}
		}
	}
	wg.Wait()
}

func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				dqueryT := dinp[b*T*C3+t*C3+h*hs:]
				queryT := inp[b*T*C3+t*C3+h*hs:]
				doutBTH := dout[b*T*C+t*C+h*hs:]

				// value accumulation
				for t2 := 0; t2 <= t; t2++ {
					valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
					dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+C*2:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += valueT2[i] * doutBTH[i]
						dvalueT2[i] += attBTH[t2] * doutBTH[i]
					}
				}
				// softmax
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						var indicator float32
						if t2 == t3 {
							indicator = 1
						}
						dpreattBTH[t3] += attBTH[t2] * (indicator - attBTH[t3]) * dattBTH[t2]
					}
				}
				// query @ key
				for t2 := 0; t2 <= t; t2++ {
					keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
					dkeyT2 := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
						dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

var geluScalingFactor = math.Sqrt(2.0 / math.Pi)

func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScalingFactor*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		tanhArg := geluScalingFactor * (x + cube)
		tanhOut := math.Tanh(tanhArg)
		coshOut := math.Cosh(tanhArg)
		sechOut := 1.0 / (coshOut * coshOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechOut*geluScalingFactor*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(localGrad) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// dropoutForward zeroes each element of x with probability p and scales
// the survivors by 1/(1-p). The applied factors are written to mask.
func dropoutForward(x, mask []float32, n int, p float32, rng *rand.Rand) {
	keep := 1 / (1 - p)
	for i := 0; i < n; i++ {
		if rng.Float32() < p {
			mask[i] = 0
		} else {
			mask[i] = keep
		}
		x[i] *= mask[i]
	}
}

func dropoutBackward(dx, mask []float32, n int) {
	for i := 0; i < n; i++ {
		dx[i] *= mask[i]
	}
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			logitsBT := logits[base : base+V]
			probsBT := probs[base : base+V]
			maxval := float32(math.Inf(-1))
			for _, l := range logitsBT {
				if l > maxval {
					maxval = l
				}
			}
			var sum float64
			for i, l := range logitsBT {
				probsBT[i] = float32(math.Exp(float64(l - maxval)))
				sum += float64(probsBT[i])
			}
			for i := range probsBT {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

// crossEntropyForward writes the per position loss against targets, with
// smoothing of the mass spread uniformly over the vocabulary. It works from
// logits so a vanishing probability cannot produce an infinite loss.
func crossEntropyForward(losses, logits []float32, targets []int32, B, T, V int, smoothing float32) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			logitsBT := logits[base : base+V]
			maxval := math.Inf(-1)
			var meanLogit float64
			for _, l := range logitsBT {
				maxval = math.Max(maxval, float64(l))
				meanLogit += float64(l)
			}
			meanLogit /= float64(V)
			var sum float64
			for _, l := range logitsBT {
				sum += math.Exp(float64(l) - maxval)
			}
			lse := maxval + math.Log(sum)
			nll := lse - float64(logitsBT[targets[b*T+t]])
			uniform := lse - meanLogit
			losses[b*T+t] = float32((1-float64(smoothing))*nll + float64(smoothing)*uniform)
		}
	}
}

func crossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int, smoothing float32) {
	spread := smoothing / float32(V)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			dlogitsBT := dlogits[base : base+V]
			probsBT := probs[base : base+V]
			dloss := dlosses[b*T+t]
			ix := targets[b*T+t]
			for i := 0; i < V; i++ {
				want := spread
				if int32(i) == ix {
					want += 1 - smoothing
				}
				dlogitsBT[i] += (probsBT[i] - want) * dloss
			}
		}
	}
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
