package ledger

// Merge combines two ledger snapshots into one. The remote argument is
// assumed newer for scalar and whole-entity conflicts; there is no
// timestamp or version vector behind that assumption, so conflicts
// resolve by order of arrival, not by edit time.
//
// Rules:
//   - id-keyed collections: union of ids, remote entity wins when both
//     sides carry the same id. Whole-entity replacement, never field-level.
//   - investment slot objects: shallow per-slot merge. A remote snapshot
//     missing a slot never erases the local value for it.
//   - settings: remote wins wholesale, except PairingID where a non-empty
//     local value wins. A stale remote snapshot fetched before pairing
//     must never unpair a device.
//
// Merge is pure: neither input is mutated, and Merge(x, x) == x.
func Merge(local, remote Ledger) Ledger {
	out := Ledger{
		Expenses:      mergeByID(local.Expenses, remote.Expenses, func(e Expense) int64 { return e.ID }),
		FixedPayments: mergeByID(local.FixedPayments, remote.FixedPayments, func(f FixedPayment) int64 { return f.ID }),
		Incomes:       mergeByID(local.Incomes, remote.Incomes, func(i Income) int64 { return i.ID }),
		SavingsGoals:  mergeByID(local.SavingsGoals, remote.SavingsGoals, func(g SavingsGoal) string { return g.ID }),
		Loans:         mergeByID(local.Loans, remote.Loans, func(l Loan) int64 { return l.ID }),
		CreditCards:   mergeByID(local.CreditCards, remote.CreditCards, func(c CreditCard) int64 { return c.ID }),
		Investments: Investments{
			BankBalances:   mergeSlots(local.Investments.BankBalances, remote.Investments.BankBalances),
			MarketHoldings: mergeSlots(local.Investments.MarketHoldings, remote.Investments.MarketHoldings),
			MetalHoldings:  mergeSlots(local.Investments.MetalHoldings, remote.Investments.MetalHoldings),
			MetalRates:     mergeSlots(local.Investments.MetalRates, remote.Investments.MetalRates),
		},
		Settings: mergeSettings(local.Settings, remote.Settings),
	}
	out.Backfill()

	return out
}

// mergeByID builds the union of both collections. Local entities keep
// their insertion order; a remote entity sharing an id overwrites the
// local one in place, and remote-only entities append in remote order.
func mergeByID[T any, K comparable](local, remote []T, key func(T) K) []T {
	merged := make([]T, 0, len(local)+len(remote))
	index := make(map[K]int, len(local))

	for _, e := range local {
		index[key(e)] = len(merged)
		merged = append(merged, e)
	}

	for _, e := range remote {
		if i, ok := index[key(e)]; ok {
			merged[i] = e
			continue
		}

		index[key(e)] = len(merged)
		merged = append(merged, e)
	}

	return merged
}

// mergeSlots overlays non-nil remote slots on the local ones. This guards
// against a partial remote write erasing a slot the other side never set.
func mergeSlots(local, remote SlotAmounts) SlotAmounts {
	out := local.clone()

	if remote.PartyA != nil {
		out.PartyA = cloneDecimal(remote.PartyA)
	}

	if remote.PartyB != nil {
		out.PartyB = cloneDecimal(remote.PartyB)
	}

	if remote.Shared != nil {
		out.Shared = cloneDecimal(remote.Shared)
	}

	return out
}

func mergeSettings(local, remote Settings) Settings {
	out := remote
	// The pairing id is the session anchor: local presence wins so an
	// unpaired remote snapshot can never unpair this device.
	if local.PairingID != "" {
		out.PairingID = local.PairingID
	}

	return out
}
