package types

// Account is the ledger-side record for a single address. Base-currency
// balances are denominated in µSX minor units. Holdings tracks the asset
// units held per asset identifier; the presence of a key means the account
// has opted in to that asset, even when the held amount is zero.
type Account struct {
	Nonce    uint64            `json:"nonce"`
	Balance  uint64            `json:"balance"`
	Holdings map[uint64]uint64 `json:"holdings,omitempty"`
}

// OptedIn reports whether the account holds a slot for the given asset.
func (a *Account) OptedIn(assetID uint64) bool {
	if a == nil || a.Holdings == nil {
		return false
	}
	_, ok := a.Holdings[assetID]
	return ok
}

// Holding returns the asset units held, or zero when not opted in.
func (a *Account) Holding(assetID uint64) uint64 {
	if a == nil || a.Holdings == nil {
		return 0
	}
	return a.Holdings[assetID]
}

// Clone returns a deep copy of the account so callers can mutate the copy
// without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{}
	}
	clone := &Account{Nonce: a.Nonce, Balance: a.Balance}
	if a.Holdings != nil {
		clone.Holdings = make(map[uint64]uint64, len(a.Holdings))
		for id, amt := range a.Holdings {
			clone.Holdings[id] = amt
		}
	}
	return clone
}
