package model

import (
	"math"

	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
)

type ActivationStats struct {
	NaN, Inf int
	MaxAbs   float32 // over finite values
}

func (s ActivationStats) NonFinite() int { return s.NaN + s.Inf }

func Stats(data []float32) ActivationStats {
	var st ActivationStats
	for _, v := range data {
		switch {
		case math.IsNaN(float64(v)):
			st.NaN++
		case math.IsInf(float64(v), 0):
			st.Inf++
		default:
			if v < 0 {
				v = -v
			}
			if v > st.MaxAbs {
				st.MaxAbs = v
			}
		}
	}
	return st
}

// Sanitize zeroes NaN and Inf values in place before SAE encoding and
// reports them.
func Sanitize(a *Activations, hook string) ActivationStats {
	st := Stats(a.Data)
	if st.NonFinite() == 0 {
		return st
	}
	for i, v := range a.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			a.Data[i] = 0
		}
	}
	metrics.RecordNonFinite(hook, st.NaN, st.Inf)
	logger.Log.Warn("non-finite activations zeroed",
		"hook", hook, "nan", st.NaN, "inf", st.Inf, "values", len(a.Data))
	return st
}
