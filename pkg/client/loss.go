package client

import (
	"math/rand"

	"github.com/fr3shw3b/seqstream/pkg/retry"
)

type probabilisticLoss struct {
	probability float64
	source      *rand.Rand
}

// NewProbabilisticLoss drops each transmission independently with the
// given probability.
func NewProbabilisticLoss(probability float64, seed int64) LossModel {
	return &probabilisticLoss{
		probability: probability,
		source:      rand.New(rand.NewSource(seed)),
	}
}

func (l *probabilisticLoss) Lost(retry.Entry) bool {
	if l.probability <= 0 {
		return false
	}
	return l.source.Float64() < l.probability
}
