package events

import (
	"strconv"

	"sxchain/core/types"
	"sxchain/crypto"
)

const (
	// TypeTransfer is emitted for µSX balance movements, including the inner
	// payments issued by the exchange program.
	TypeTransfer = "transfer.native"
	// TypeAssetTransfer is emitted for asset unit movements.
	TypeAssetTransfer = "transfer.asset"
)

// Transfer captures a single µSX movement between two accounts.
type Transfer struct {
	From   []byte
	To     []byte
	Amount uint64
	Inner  bool
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   crypto.MustNewAddress(crypto.SXPrefix, e.From).String(),
		"to":     crypto.MustNewAddress(crypto.SXPrefix, e.To).String(),
		"amount": strconv.FormatUint(e.Amount, 10),
	}
	if e.Inner {
		attrs["inner"] = "true"
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

// AssetTransfer captures a movement of asset units between two accounts.
type AssetTransfer struct {
	AssetID uint64
	From    []byte
	To      []byte
	Amount  uint64
	Inner   bool
}

func (AssetTransfer) EventType() string { return TypeAssetTransfer }

func (e AssetTransfer) Event() *types.Event {
	attrs := map[string]string{
		"assetId": strconv.FormatUint(e.AssetID, 10),
		"from":    crypto.MustNewAddress(crypto.SXPrefix, e.From).String(),
		"to":      crypto.MustNewAddress(crypto.SXPrefix, e.To).String(),
		"amount":  strconv.FormatUint(e.Amount, 10),
	}
	if e.Inner {
		attrs["inner"] = "true"
	}
	return &types.Event{Type: TypeAssetTransfer, Attributes: attrs}
}
