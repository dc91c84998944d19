package paysystem

import "context"

// Free is the zero-configuration PaymentSystem every node registers by
// default: it clears debt by fiat rather than moving real value, the same
// role a "no real backend wired yet" stub plays until an operator
// configures an on-chain or off-chain rail.
type Free struct{}

func (Free) Name() string { return "free" }

func (Free) Pay(ctx context.Context, address string, amount int64) error {
	return nil
}
