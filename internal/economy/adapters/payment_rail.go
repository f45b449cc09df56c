package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"agora/internal/economy/ports"
	"agora/internal/money"
)

// FakePaymentRail satisfies ports.PaymentRail for local/test usage. It
// settles every transfer in memory and can be told to leave the on-chain
// leg unsettled, which exercises the ledger-ahead-of-chain reconciliation
// path.
type FakePaymentRail struct {
	mu        sync.Mutex
	transfers []RecordedTransfer
	failNext  int
	unsettled bool
}

// RecordedTransfer captures one transfer the fake rail observed.
type RecordedTransfer struct {
	From   string
	To     string
	Amount money.Amount
	TxHash string
}

// NewFakePaymentRail constructs an in-memory payment rail facade.
func NewFakePaymentRail() *FakePaymentRail {
	return &FakePaymentRail{}
}

// FailNext makes the next n Pay calls return an error.
func (r *FakePaymentRail) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

// SetUnsettled makes subsequent transfers report settled=false with no
// transaction hash.
func (r *FakePaymentRail) SetUnsettled(unsettled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsettled = unsettled
}

// Pay pretends to move funds between wallets.
func (r *FakePaymentRail) Pay(_ context.Context, fromWallet, toWallet string, amount money.Amount) (ports.PaymentReceipt, error) {
	if fromWallet == "" || toWallet == "" {
		return ports.PaymentReceipt{}, fmt.Errorf("both wallets are required")
	}
	if amount <= 0 {
		return ports.PaymentReceipt{}, fmt.Errorf("amount must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return ports.PaymentReceipt{}, fmt.Errorf("payment rail unavailable")
	}
	if r.unsettled {
		r.transfers = append(r.transfers, RecordedTransfer{From: fromWallet, To: toWallet, Amount: amount})
		return ports.PaymentReceipt{Settled: false}, nil
	}
	hash := "0x" + uuid.NewString()
	r.transfers = append(r.transfers, RecordedTransfer{From: fromWallet, To: toWallet, Amount: amount, TxHash: hash})
	return ports.PaymentReceipt{Settled: true, TxHash: hash}, nil
}

// Transfers returns a snapshot of everything paid so far.
func (r *FakePaymentRail) Transfers() []RecordedTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedTransfer, len(r.transfers))
	copy(out, r.transfers)
	return out
}
