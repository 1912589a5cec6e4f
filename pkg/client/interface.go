package client

import (
	"context"

	"github.com/fr3shw3b/seqstream/pkg/retry"
)

type Client interface {
	// Connect runs the transfer, reconnecting as needed, until every
	// identifier has been sent, the server ends the transfer or ctx is
	// cancelled.
	Connect(ctx context.Context) error
	// Result summarises the transfer so far.
	Result() Result
}

// LossModel decides which transmissions are dropped on purpose.
type LossModel interface {
	Lost(entry retry.Entry) bool
}

// LossFunc adapts a function to LossModel.
type LossFunc func(entry retry.Entry) bool

func (f LossFunc) Lost(entry retry.Entry) bool {
	return f(entry)
}
