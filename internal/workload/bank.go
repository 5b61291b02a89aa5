package workload

import (
	"context"
	"sync"

	"github.com/elchinoo/tempest/pkg/checker"
	"github.com/elchinoo/tempest/pkg/client"
	"github.com/elchinoo/tempest/pkg/db"
	"github.com/elchinoo/tempest/pkg/generator"
	"github.com/elchinoo/tempest/pkg/types"
)

func init() {
	Register("bank", newBankWorkload)
}

// Ledger is the in-process bank: a fixed set of accounts whose balances
// move under transfers but must always sum to the initial total.
type Ledger struct {
	mu       sync.Mutex
	balances map[int]int64
}

// NewLedger opens accounts 0..accounts-1 with the given initial balance.
func NewLedger(accounts int, initial int64) *Ledger {
	b := make(map[int]int64, accounts)
	for i := 0; i < accounts; i++ {
		b[i] = initial
	}
	return &Ledger{balances: b}
}

// Read snapshots all balances.
func (l *Ledger) Read() map[int]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]int64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// Transfer moves amount from one account to another, refusing overdrafts.
func (l *Ledger) Transfer(from, to int, amount int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return false
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return true
}

// Transfer payload for bank ops.
type transfer struct {
	From   int   `json:"from"`
	To     int   `json:"to"`
	Amount int64 `json:"amount"`
}

type bankClient struct {
	ledger *Ledger
}

func (c *bankClient) Open(context.Context, *types.Test, string) (client.Client, error) {
	return &bankClient{ledger: c.ledger}, nil
}

func (c *bankClient) Setup(context.Context, *types.Test) error { return nil }

func (c *bankClient) Invoke(_ context.Context, _ *types.Test, op types.Op) (types.Op, error) {
	switch op.F {
	case checker.FRead:
		return op.WithType(types.OpOk).WithValue(c.ledger.Read()), nil
	case checker.FTransfer:
		t, ok := op.Value.(transfer)
		if !ok {
			return op, types.Fatalf("transfer payload %v is malformed", op.Value)
		}
		if c.ledger.Transfer(t.From, t.To, t.Amount) {
			return op.WithType(types.OpOk), nil
		}
		return op.WithError(types.OpFail, "insufficient-funds"), nil
	default:
		return op, types.Fatalf("bank client cannot handle %q", op.F)
	}
}

func (c *bankClient) Teardown(context.Context, *types.Test) error { return nil }
func (c *bankClient) Close(context.Context, *types.Test) error    { return nil }

// BankOps mixes transfers between random distinct accounts with full
// balance reads.
func BankOps(accounts int, maxAmount int64) generator.Generator {
	return generator.FromFunc(func(_ *types.Test, ctx *generator.Context) *types.Op {
		var op types.Op
		if ctx.Rand.Intn(2) == 0 {
			op = types.Invocation(checker.FRead, nil)
		} else {
			from := ctx.Rand.Intn(accounts)
			to := ctx.Rand.Intn(accounts - 1)
			if to >= from {
				to++
			}
			op = types.Invocation(checker.FTransfer, transfer{
				From:   from,
				To:     to,
				Amount: 1 + ctx.Rand.Int63n(maxAmount),
			})
		}
		return &op
	})
}

func newBankWorkload(test *types.Test) (*Workload, error) {
	accounts := test.ParamInt("accounts", 5)
	initial := int64(test.ParamInt("initial_balance", 10))
	maxAmount := int64(test.ParamInt("max_transfer", 5))
	if accounts < 2 {
		return nil, types.Configf("bank workload needs at least 2 accounts, got %d", accounts)
	}
	total := int64(accounts) * initial
	return &Workload{
		Name:   "bank",
		Client: &bankClient{ledger: NewLedger(accounts, initial)},
		Generator: func(*types.Test) (generator.Generator, error) {
			return BankOps(accounts, maxAmount), nil
		},
		Checker: func(*types.Test) checker.Checker {
			return checker.Compose(map[string]checker.Checker{
				"history": checker.Unbroken(),
				"bank":    checker.Bank(total),
				"perf":    checker.Perf(),
			})
		},
		DB: db.Noop{},
	}, nil
}
