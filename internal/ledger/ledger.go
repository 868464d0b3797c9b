// Package ledger defines the synchronized household-finance aggregate and
// the merge rules that reconcile two device snapshots of it.
package ledger

import "github.com/shopspring/decimal"

// SchemaKey is the local-store key the ledger snapshot is persisted under.
// Bumped when the schema changes shape incompatibly; readers backfill
// rather than migrate, so the key has survived several field additions.
const SchemaKey = "ledger-v4"

// Party identifies which side of the pairing owns an entry or slot.
type Party string

const (
	PartyA Party = "A"
	PartyB Party = "B"
)

// Expense is a one-off spend entry.
type Expense struct {
	ID          int64           `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Date        string          `json:"date"`
	PaidBy      Party           `json:"paidBy"`
}

// FixedPayment is a recurring monthly obligation (rent, subscriptions).
type FixedPayment struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
	DueDay int             `json:"dueDay"`
}

// Income is a non-salary income entry.
type Income struct {
	ID     int64           `json:"id"`
	Source string          `json:"source"`
	Amount decimal.Decimal `json:"amount"`
	Date   string          `json:"date"`
	Earner Party           `json:"earner"`
}

// SavingsGoal tracks progress toward a shared target. Goals use string
// ids (slugs chosen by the UI) while the other collections use numeric
// ids; the merge rules are identical either way.
type SavingsGoal struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Target decimal.Decimal `json:"target"`
	Saved  decimal.Decimal `json:"saved"`
}

// Loan is an outstanding loan balance.
type Loan struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Principal decimal.Decimal `json:"principal"`
	Remaining decimal.Decimal `json:"remaining"`
	Rate      decimal.Decimal `json:"rate"`
}

// CreditCard is a revolving credit-card-like liability.
type CreditCard struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Limit      decimal.Decimal `json:"limit"`
	Balance    decimal.Decimal `json:"balance"`
	ClosingDay int             `json:"closingDay"`
}

// SlotAmounts holds one value per pairing slot. Nil means the slot was
// never written on this device, which is distinct from an explicit zero:
// the merge preserves local values for slots a remote snapshot is missing.
type SlotAmounts struct {
	PartyA *decimal.Decimal `json:"partyA,omitempty"`
	PartyB *decimal.Decimal `json:"partyB,omitempty"`
	Shared *decimal.Decimal `json:"shared,omitempty"`
}

// Investments is the nested snapshot of balances and holdings, each
// keyed by pairing slot.
type Investments struct {
	BankBalances   SlotAmounts `json:"bankBalances"`
	MarketHoldings SlotAmounts `json:"marketHoldings"`
	MetalHoldings  SlotAmounts `json:"metalHoldings"`
	MetalRates     SlotAmounts `json:"metalRates"`
}

// Settings holds scalar configuration. PairingID anchors the sync session:
// once set locally it is never cleared by an incoming snapshot without one.
type Settings struct {
	PairingID  string `json:"pairingId,omitempty"`
	LockSecret string `json:"lockSecret,omitempty"`
	Currency   string `json:"currency"`
	Theme      string `json:"theme"`
	PartyAName string `json:"partyAName"`
	PartyBName string `json:"partyBName"`
}

// Ledger is the single synchronized aggregate. It carries no version
// counter: freshness is approximated by merge argument order.
type Ledger struct {
	Expenses      []Expense      `json:"expenses"`
	FixedPayments []FixedPayment `json:"fixedPayments"`
	Incomes       []Income       `json:"incomes"`
	SavingsGoals  []SavingsGoal  `json:"savingsGoals"`
	Loans         []Loan         `json:"loans"`
	CreditCards   []CreditCard   `json:"creditCards"`
	Investments   Investments    `json:"investments"`
	Settings      Settings       `json:"settings"`
}

// Default returns the schema default ledger: empty collections and
// neutral settings.
func Default() Ledger {
	l := Ledger{}
	l.Backfill()

	return l
}

// Backfill fills structurally-absent fields with schema defaults after a
// JSON decode, so snapshots written by older builds never crash newer
// ones. Collections become empty slices, scalar settings get defaults.
func (l *Ledger) Backfill() {
	if l.Expenses == nil {
		l.Expenses = []Expense{}
	}

	if l.FixedPayments == nil {
		l.FixedPayments = []FixedPayment{}
	}

	if l.Incomes == nil {
		l.Incomes = []Income{}
	}

	if l.SavingsGoals == nil {
		l.SavingsGoals = []SavingsGoal{}
	}

	if l.Loans == nil {
		l.Loans = []Loan{}
	}

	if l.CreditCards == nil {
		l.CreditCards = []CreditCard{}
	}

	if l.Settings.Currency == "" {
		l.Settings.Currency = "USD"
	}

	if l.Settings.Theme == "" {
		l.Settings.Theme = "system"
	}

	if l.Settings.PartyAName == "" {
		l.Settings.PartyAName = "Party A"
	}

	if l.Settings.PartyBName == "" {
		l.Settings.PartyBName = "Party B"
	}
}

// Clone returns a deep copy. Components outside the orchestrator only
// ever receive clones, so nothing retains a mutable reference to the
// in-memory ledger.
func (l Ledger) Clone() Ledger {
	out := l
	out.Expenses = append([]Expense(nil), l.Expenses...)
	out.FixedPayments = append([]FixedPayment(nil), l.FixedPayments...)
	out.Incomes = append([]Income(nil), l.Incomes...)
	out.SavingsGoals = append([]SavingsGoal(nil), l.SavingsGoals...)
	out.Loans = append([]Loan(nil), l.Loans...)
	out.CreditCards = append([]CreditCard(nil), l.CreditCards...)
	out.Investments = Investments{
		BankBalances:   l.Investments.BankBalances.clone(),
		MarketHoldings: l.Investments.MarketHoldings.clone(),
		MetalHoldings:  l.Investments.MetalHoldings.clone(),
		MetalRates:     l.Investments.MetalRates.clone(),
	}

	return out
}

func (s SlotAmounts) clone() SlotAmounts {
	return SlotAmounts{
		PartyA: cloneDecimal(s.PartyA),
		PartyB: cloneDecimal(s.PartyB),
		Shared: cloneDecimal(s.Shared),
	}
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}

	v := *d
	return &v
}
