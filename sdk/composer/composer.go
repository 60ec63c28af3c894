// Package composer builds the atomic transaction groups the exchange state
// machine expects. The on-ledger program cannot pull funds, so every
// funds-involving transition is expressed as a pre-composed group whose shape
// (order, types, signers) must match exactly; a mismatch rejects the whole
// group rather than applying partially.
package composer

import (
	"errors"
	"fmt"

	"sxchain/core"
	"sxchain/core/types"
	"sxchain/crypto"
	"sxchain/native/exchange"
)

// Ledger is the capability surface the composer calls into: submit a group,
// read state, and learn network parameters.
type Ledger interface {
	ApplyGroup(txs []*types.Transaction) error
	Account(addr []byte) *types.Account
	ExchangeState(appID uint64) (*exchange.Exchange, bool)
	NextAppID() uint64
	MinTxnFee() uint64
	Params() core.Params
}

var errNilKey = errors.New("composer: nil signing key")

func signerAddress(key *crypto.PrivateKey) ([20]byte, error) {
	var out [20]byte
	if key == nil {
		return out, errNilKey
	}
	copy(out[:], key.PubKey().Address().Bytes())
	return out, nil
}

// FundingAmount is the escrow funding the setup group must carry: the base
// minimum balance, the additional reserve for the asset opt-in, and a buffer
// of three flat fees for the inner transactions issued at bid and close time.
func FundingAmount(params core.Params) uint64 {
	return params.MinAccountBalance + params.AssetOptInReserve + 3*params.MinTxnFee
}

// SignGroup stamps the shared group hash and signs every member with its
// assigned key. len(keys) must equal len(txs).
func SignGroup(txs []*types.Transaction, keys []*crypto.PrivateKey) error {
	if len(txs) != len(keys) {
		return fmt.Errorf("composer: %d transactions but %d keys", len(txs), len(keys))
	}
	if len(txs) > 1 {
		if err := types.AssignGroup(txs); err != nil {
			return err
		}
	}
	for i, tx := range txs {
		if keys[i] == nil {
			return errNilKey
		}
		if err := tx.Sign(keys[i].PrivateKey); err != nil {
			return fmt.Errorf("composer: sign member %d: %w", i, err)
		}
	}
	return nil
}

// BuildCreate composes the single-transaction creation group.
func BuildCreate(l Ledger, creator *crypto.PrivateKey, seller [20]byte, assetID uint64, startTime, endTime int64, reserve, minBidIncrement uint64) ([]*types.Transaction, error) {
	creatorAddr, err := signerAddress(creator)
	if err != nil {
		return nil, err
	}
	fee := l.MinTxnFee()
	tx := &types.Transaction{
		Type:          types.TxTypeAppCall,
		Nonce:         l.Account(creatorAddr[:]).Nonce,
		Fee:           fee,
		AppArgs:       exchange.EncodeCreateArgs(seller, assetID, startTime, endTime, reserve, minBidIncrement),
		ForeignAssets: []uint64{assetID},
	}
	if err := SignGroup([]*types.Transaction{tx}, []*crypto.PrivateKey{creator}); err != nil {
		return nil, err
	}
	return []*types.Transaction{tx}, nil
}

// CreateExchange builds and submits the creation group, returning the new
// instance's application ID.
func CreateExchange(l Ledger, creator *crypto.PrivateKey, seller [20]byte, assetID uint64, startTime, endTime int64, reserve, minBidIncrement uint64) (uint64, error) {
	group, err := BuildCreate(l, creator, seller, assetID, startTime, endTime, reserve, minBidIncrement)
	if err != nil {
		return 0, err
	}
	appID := l.NextAppID()
	if err := l.ApplyGroup(group); err != nil {
		return 0, err
	}
	return appID, nil
}

// BuildSetup composes the three-transaction setup group:
// [fund escrow, setup call, deposit asset], signed by funder, funder and
// asset holder respectively.
func BuildSetup(l Ledger, appID uint64, funder, holder *crypto.PrivateKey, assetID, stockAmount uint64) ([]*types.Transaction, error) {
	funderAddr, err := signerAddress(funder)
	if err != nil {
		return nil, err
	}
	holderAddr, err := signerAddress(holder)
	if err != nil {
		return nil, err
	}
	escrow := crypto.ExchangeEscrowAddress(appID).Bytes()
	fee := l.MinTxnFee()
	funderNonce := l.Account(funderAddr[:]).Nonce
	holderNonce := l.Account(holderAddr[:]).Nonce
	if holderAddr == funderAddr {
		// The funder signs the first two members, so the deposit continues
		// the same nonce sequence.
		holderNonce = funderNonce + 2
	}

	fund := &types.Transaction{
		Type:     types.TxTypePayment,
		Nonce:    funderNonce,
		Fee:      fee,
		Receiver: escrow,
		Amount:   FundingAmount(l.Params()),
	}
	setup := &types.Transaction{
		Type:          types.TxTypeAppCall,
		Nonce:         funderNonce + 1,
		Fee:           fee,
		AppID:         appID,
		AppArgs:       [][]byte{[]byte(exchange.MethodSetup)},
		ForeignAssets: []uint64{assetID},
	}
	deposit := &types.Transaction{
		Type:          types.TxTypeAssetTransfer,
		Nonce:         holderNonce,
		Fee:           fee,
		AssetID:       assetID,
		AssetAmount:   stockAmount,
		AssetReceiver: escrow,
	}
	group := []*types.Transaction{fund, setup, deposit}
	if err := SignGroup(group, []*crypto.PrivateKey{funder, funder, holder}); err != nil {
		return nil, err
	}
	return group, nil
}

// SetupExchange funds the escrow, opts it into the asset and deposits the
// stock, all in one atomic group. The exchange must not have started yet.
func SetupExchange(l Ledger, appID uint64, funder, holder *crypto.PrivateKey, assetID, stockAmount uint64) error {
	group, err := BuildSetup(l, appID, funder, holder, assetID, stockAmount)
	if err != nil {
		return err
	}
	return l.ApplyGroup(group)
}

// BuildBid composes the two-transaction bid group: [payment of the bid to the
// escrow, bid call]. The previous lead bidder — when one exists — is carried
// in the call's account references so the program can issue its refund, even
// though that account takes no signing role.
func BuildBid(l Ledger, appID uint64, bidder *crypto.PrivateKey, bidAmount uint64) ([]*types.Transaction, error) {
	bidderAddr, err := signerAddress(bidder)
	if err != nil {
		return nil, err
	}
	state, ok := l.ExchangeState(appID)
	if !ok {
		return nil, fmt.Errorf("composer: exchange %d not found", appID)
	}
	escrow := crypto.ExchangeEscrowAddress(appID).Bytes()
	fee := l.MinTxnFee()
	nonce := l.Account(bidderAddr[:]).Nonce

	pay := &types.Transaction{
		Type:     types.TxTypePayment,
		Nonce:    nonce,
		Fee:      fee,
		Receiver: escrow,
		Amount:   bidAmount,
	}
	call := &types.Transaction{
		Type:          types.TxTypeAppCall,
		Nonce:         nonce + 1,
		Fee:           fee,
		AppID:         appID,
		AppArgs:       [][]byte{[]byte(exchange.MethodBid)},
		ForeignAssets: []uint64{state.AssetID},
	}
	if state.HasLeadBidder() {
		call.Accounts = [][]byte{append([]byte(nil), state.LeadBidAccount[:]...)}
	}
	group := []*types.Transaction{pay, call}
	if err := SignGroup(group, []*crypto.PrivateKey{bidder, bidder}); err != nil {
		return nil, err
	}
	return group, nil
}

// PlaceBid builds and submits a bid group against an active exchange.
func PlaceBid(l Ledger, appID uint64, bidder *crypto.PrivateKey, bidAmount uint64) error {
	group, err := BuildBid(l, appID, bidder, bidAmount)
	if err != nil {
		return err
	}
	return l.ApplyGroup(group)
}

// BuildClose composes the single deletion call, referencing the seller, the
// lead bidder when one exists, and the asset.
func BuildClose(l Ledger, appID uint64, closer *crypto.PrivateKey) ([]*types.Transaction, error) {
	closerAddr, err := signerAddress(closer)
	if err != nil {
		return nil, err
	}
	state, ok := l.ExchangeState(appID)
	if !ok {
		return nil, fmt.Errorf("composer: exchange %d not found", appID)
	}
	accounts := [][]byte{append([]byte(nil), state.Seller[:]...)}
	if state.HasLeadBidder() {
		accounts = append(accounts, append([]byte(nil), state.LeadBidAccount[:]...))
	}
	tx := &types.Transaction{
		Type:          types.TxTypeAppCall,
		Nonce:         l.Account(closerAddr[:]).Nonce,
		Fee:           l.MinTxnFee(),
		AppID:         appID,
		OnCompletion:  types.OnCompletionDelete,
		Accounts:      accounts,
		ForeignAssets: []uint64{state.AssetID},
	}
	if err := SignGroup([]*types.Transaction{tx}, []*crypto.PrivateKey{closer}); err != nil {
		return nil, err
	}
	return []*types.Transaction{tx}, nil
}

// CloseExchange builds and submits the close call. Before the start time
// only the seller or creator may close (cancellation); after the end time
// anyone may trigger settlement.
func CloseExchange(l Ledger, appID uint64, closer *crypto.PrivateKey) error {
	group, err := BuildClose(l, appID, closer)
	if err != nil {
		return err
	}
	return l.ApplyGroup(group)
}
