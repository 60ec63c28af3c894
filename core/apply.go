package core

import (
	"errors"
	"fmt"

	"sxchain/core/events"
	"sxchain/core/types"
	"sxchain/crypto"
	"sxchain/native/exchange"
	"sxchain/observability/metrics"
)

// groupState adapts one in-flight state copy to the exchange engine's view.
// Everything the engine does lands in the copy, so a failing member reverts
// the engine's effects together with the rest of the group.
type groupState struct {
	ledger *Ledger
	state  *ledgerState
}

func (g *groupState) ExchangePut(x *exchange.Exchange) error {
	sanitized, err := exchange.SanitizeExchange(x)
	if err != nil {
		return err
	}
	g.state.Exchanges[sanitized.AppID] = sanitized
	return nil
}

func (g *groupState) ExchangeGet(appID uint64) (*exchange.Exchange, bool) {
	x, ok := g.state.Exchanges[appID]
	if !ok {
		return nil, false
	}
	return x.Clone(), true
}

func (g *groupState) ExchangeDelete(appID uint64) error {
	delete(g.state.Exchanges, appID)
	return nil
}

func (g *groupState) Holding(addr [20]byte, assetID uint64) (uint64, bool) {
	acc, ok := g.state.Accounts[accountKey(addr[:])]
	if !ok {
		return 0, false
	}
	if !acc.OptedIn(assetID) {
		return 0, false
	}
	return acc.Holding(assetID), true
}

func (g *groupState) OptInAsset(addr [20]byte, assetID uint64) error {
	if _, ok := g.state.Assets[assetID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAsset, assetID)
	}
	acc := g.state.account(addr[:])
	if acc.OptedIn(assetID) {
		return fmt.Errorf("%w: asset %d", ErrAlreadyOptedIn, assetID)
	}
	// Opting in raises the account's minimum balance requirement.
	required := g.ledger.params.MinAccountBalance + g.ledger.params.AssetOptInReserve*uint64(len(acc.Holdings)+1)
	if acc.Balance < required {
		return fmt.Errorf("%w: need %d to opt in", ErrBelowMinBalance, required)
	}
	if acc.Holdings == nil {
		acc.Holdings = make(map[uint64]uint64)
	}
	acc.Holdings[assetID] = 0
	return nil
}

// Pay issues a fee-free inner payment, still subject to the sender keeping
// its minimum balance.
func (g *groupState) Pay(from, to [20]byte, amount uint64) error {
	if err := g.debit(from[:], amount, false); err != nil {
		return err
	}
	g.state.account(to[:]).Balance += amount
	g.ledger.buffer(events.Transfer{From: from[:], To: to[:], Amount: amount, Inner: true})
	return nil
}

// CloseAssetTo moves from's entire holding to the target and removes from's
// opt-in slot. Unlike an ordinary asset transfer, the target is not required
// to be opted in already: a close-out creates the slot, so settlement can
// deliver the stock to a winner who never opted in themselves.
func (g *groupState) CloseAssetTo(from [20]byte, assetID uint64, to [20]byte) error {
	acc := g.state.account(from[:])
	if !acc.OptedIn(assetID) {
		return fmt.Errorf("%w: asset %d", ErrNotOptedIn, assetID)
	}
	amount := acc.Holdings[assetID]
	delete(acc.Holdings, assetID)
	dest := g.state.account(to[:])
	if dest.Holdings == nil {
		dest.Holdings = make(map[uint64]uint64)
	}
	dest.Holdings[assetID] += amount
	g.ledger.buffer(events.AssetTransfer{AssetID: assetID, From: from[:], To: to[:], Amount: amount, Inner: true})
	return nil
}

func (g *groupState) CloseAccountTo(from, to [20]byte) error {
	acc := g.state.account(from[:])
	if len(acc.Holdings) != 0 {
		return fmt.Errorf("ledger: cannot close account still holding assets")
	}
	amount := acc.Balance
	if amount == 0 {
		return nil
	}
	acc.Balance = 0
	g.state.account(to[:]).Balance += amount
	g.ledger.buffer(events.Transfer{From: from[:], To: to[:], Amount: amount, Inner: true})
	return nil
}

// debit removes amount from addr, enforcing the minimum-balance floor unless
// the account ends empty through an explicit close-out.
func (g *groupState) debit(addr []byte, amount uint64, closing bool) error {
	acc := g.state.account(addr)
	if acc.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, acc.Balance, amount)
	}
	remaining := acc.Balance - amount
	if !closing {
		floor := g.ledger.params.MinAccountBalance + g.ledger.params.AssetOptInReserve*uint64(len(acc.Holdings))
		if remaining < floor {
			return fmt.Errorf("%w: %d < %d", ErrBelowMinBalance, remaining, floor)
		}
	}
	acc.Balance = remaining
	return nil
}

// ApplyTransaction applies a group of one.
func (l *Ledger) ApplyTransaction(tx *types.Transaction) error {
	return l.ApplyGroup([]*types.Transaction{tx})
}

// ApplyGroup executes an atomic transaction group. Either every member
// (including any inner transactions issued by the exchange program) takes
// effect, or none do and the error describes the first failure. Groups are
// applied serially; commitment order is total per instance.
func (l *Ledger) ApplyGroup(txs []*types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.applyGroupLocked(txs); err != nil {
		l.pending = nil
		metrics.Exchange().ObserveGroupRejected(rejectReason(err))
		l.logger.Info("group rejected", "size", len(txs), "err", err)
		return err
	}
	metrics.Exchange().ObserveGroupApplied(len(txs))
	for _, evt := range l.pending {
		l.emitter.Emit(evt)
	}
	l.pending = nil
	return nil
}

func (l *Ledger) applyGroupLocked(txs []*types.Transaction) error {
	if len(txs) == 0 {
		return ErrEmptyGroup
	}
	if len(txs) > types.MaxGroupSize {
		return fmt.Errorf("%w: %d", ErrGroupTooLarge, len(txs))
	}
	if len(txs) > 1 {
		want, err := types.ComputeGroupID(txs)
		if err != nil {
			return err
		}
		for i, tx := range txs {
			if tx.Group != want {
				return fmt.Errorf("%w: member %d", ErrGroupHashMismatch, i)
			}
		}
	}

	// Recover all senders up front; the engine reads companions by position.
	senders := make([][20]byte, len(txs))
	view := make([]exchange.GroupTxn, len(txs))
	appCalls := 0
	for i, tx := range txs {
		from, err := tx.From()
		if err != nil {
			return fmt.Errorf("ledger: member %d: %w", i, err)
		}
		copy(senders[i][:], from)
		view[i] = exchange.GroupTxn{
			Type:     tx.Type,
			Sender:   senders[i],
			Receiver: toAddr20(tx.Receiver),
			Amount:   tx.Amount,
		}
		if tx.Type == types.TxTypeAppCall {
			appCalls++
		}
	}

	snapshot := l.state.clone()
	gs := &groupState{ledger: l, state: snapshot}
	l.engine.SetState(gs)

	for i, tx := range txs {
		if err := l.applyMember(gs, tx, senders[i], i, view, appCalls); err != nil {
			return fmt.Errorf("ledger: member %d: %w", i, err)
		}
	}

	l.state = snapshot
	if err := l.persist(); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) applyMember(gs *groupState, tx *types.Transaction, sender [20]byte, index int, view []exchange.GroupTxn, appCalls int) error {
	acc := gs.state.account(sender[:])
	if tx.Nonce != acc.Nonce {
		return fmt.Errorf("%w: want %d, got %d", ErrBadNonce, acc.Nonce, tx.Nonce)
	}
	if tx.Fee < l.params.MinTxnFee {
		return fmt.Errorf("%w: %d < %d", ErrFeeTooLow, tx.Fee, l.params.MinTxnFee)
	}
	acc.Nonce++
	// The flat fee is burned; a rejected group refunds it implicitly by
	// discarding the state copy.
	if err := gs.debit(sender[:], tx.Fee, false); err != nil {
		return err
	}

	switch tx.Type {
	case types.TxTypePayment:
		return l.applyPayment(gs, tx, sender)
	case types.TxTypeAssetTransfer:
		return l.applyAssetTransfer(gs, tx, sender)
	case types.TxTypeAppCall:
		return l.applyAppCall(gs, tx, sender, index, view, appCalls)
	default:
		return fmt.Errorf("ledger: unknown transaction type %d", tx.Type)
	}
}

func (l *Ledger) applyPayment(gs *groupState, tx *types.Transaction, sender [20]byte) error {
	if tx.Amount > 0 {
		if len(tx.Receiver) != crypto.AddressLength {
			return fmt.Errorf("ledger: payment receiver must be %d bytes", crypto.AddressLength)
		}
		if err := gs.debit(sender[:], tx.Amount, false); err != nil {
			return err
		}
		gs.state.account(tx.Receiver).Balance += tx.Amount
		l.buffer(events.Transfer{From: sender[:], To: tx.Receiver, Amount: tx.Amount})
	}
	if len(tx.CloseRemainderTo) != 0 {
		return gs.CloseAccountTo(sender, toAddr20(tx.CloseRemainderTo))
	}
	return nil
}

func (l *Ledger) applyAssetTransfer(gs *groupState, tx *types.Transaction, sender [20]byte) error {
	if _, ok := gs.state.Assets[tx.AssetID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAsset, tx.AssetID)
	}
	// A zero transfer to self is the opt-in form.
	if tx.AssetAmount == 0 && toAddr20(tx.AssetReceiver) == sender && len(tx.AssetCloseTo) == 0 {
		return gs.OptInAsset(sender, tx.AssetID)
	}
	acc := gs.state.account(sender[:])
	if !acc.OptedIn(tx.AssetID) {
		return fmt.Errorf("%w: asset %d", ErrNotOptedIn, tx.AssetID)
	}
	if tx.AssetAmount > 0 {
		receiver := gs.state.account(tx.AssetReceiver)
		if !receiver.OptedIn(tx.AssetID) {
			return fmt.Errorf("%w: receiver not opted in to asset %d", ErrNotOptedIn, tx.AssetID)
		}
		if acc.Holdings[tx.AssetID] < tx.AssetAmount {
			return fmt.Errorf("%w: asset balance %d < %d", ErrInsufficientFunds, acc.Holdings[tx.AssetID], tx.AssetAmount)
		}
		acc.Holdings[tx.AssetID] -= tx.AssetAmount
		receiver.Holdings[tx.AssetID] += tx.AssetAmount
		l.buffer(events.AssetTransfer{AssetID: tx.AssetID, From: sender[:], To: tx.AssetReceiver, Amount: tx.AssetAmount})
	}
	if len(tx.AssetCloseTo) != 0 {
		return gs.CloseAssetTo(sender, tx.AssetID, toAddr20(tx.AssetCloseTo))
	}
	return nil
}

func (l *Ledger) applyAppCall(gs *groupState, tx *types.Transaction, sender [20]byte, index int, view []exchange.GroupTxn, appCalls int) error {
	call := exchange.Call{
		Sender:        sender,
		AppID:         tx.AppID,
		Args:          tx.AppArgs,
		Accounts:      toAddr20Slice(tx.Accounts),
		GroupIndex:    index,
		Group:         view,
		GroupAppCalls: appCalls,
	}
	if tx.AppID == 0 {
		if tx.OnCompletion != types.OnCompletionNoOp {
			return fmt.Errorf("%w: creation must be a no-op call", exchange.ErrMalformedGroup)
		}
		appID := gs.state.NextAppID
		x, err := l.engine.Create(call, appID)
		if err != nil {
			return err
		}
		gs.state.NextAppID++
		l.logger.Info("exchange created", "appId", x.AppID, "assetId", x.AssetID)
		return nil
	}
	if _, ok := gs.state.Exchanges[tx.AppID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownApp, tx.AppID)
	}
	switch tx.OnCompletion {
	case types.OnCompletionDelete:
		if err := l.engine.Close(call); err != nil {
			return err
		}
		metrics.Exchange().ObserveClosed()
		return nil
	case types.OnCompletionNoOp:
		switch call.Method() {
		case exchange.MethodSetup:
			return l.engine.Setup(call)
		case exchange.MethodBid:
			if err := l.engine.Bid(call); err != nil {
				return err
			}
			metrics.Exchange().ObserveBidAccepted()
			return nil
		default:
			return fmt.Errorf("%w: %q", exchange.ErrUnknownMethod, call.Method())
		}
	default:
		return fmt.Errorf("%w: unsupported completion %d", exchange.ErrMalformedGroup, tx.OnCompletion)
	}
}

func toAddr20(b []byte) [20]byte {
	var out [20]byte
	copy(out[:], b)
	return out
}

func toAddr20Slice(in [][]byte) [][20]byte {
	out := make([][20]byte, len(in))
	for i, b := range in {
		out[i] = toAddr20(b)
	}
	return out
}

// rejectReason maps a rejection to a coarse metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, exchange.ErrMalformedGroup),
		errors.Is(err, ErrGroupHashMismatch),
		errors.Is(err, ErrEmptyGroup),
		errors.Is(err, ErrGroupTooLarge):
		return "malformed_group"
	case errors.Is(err, exchange.ErrOutsideWindow):
		return "timing"
	case errors.Is(err, exchange.ErrBidTooLow),
		errors.Is(err, exchange.ErrUnauthorized):
		return "business_rule"
	case errors.Is(err, exchange.ErrAlreadySetUp),
		errors.Is(err, exchange.ErrNotSetUp),
		errors.Is(err, ErrAlreadyOptedIn),
		errors.Is(err, ErrNotOptedIn):
		return "state"
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrBelowMinBalance),
		errors.Is(err, ErrFeeTooLow):
		return "funds"
	case errors.Is(err, ErrBadNonce):
		return "nonce"
	default:
		return "other"
	}
}
