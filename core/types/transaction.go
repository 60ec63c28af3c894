package types

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypePayment       TxType = 0x01 // A transfer of µSX between accounts
	TxTypeAssetTransfer TxType = 0x02 // A transfer of asset units (0 to self = opt-in)
	TxTypeAppCall       TxType = 0x03 // An invocation of on-ledger program logic
)

// OnCompletion selects what happens to an application after a call.
type OnCompletion byte

const (
	OnCompletionNoOp   OnCompletion = 0x00
	OnCompletionDelete OnCompletion = 0x01
)

// MaxGroupSize bounds the number of transactions committed atomically.
const MaxGroupSize = 16

// Transaction is a single ledger operation. Several transactions can be
// stamped with a shared group hash, in which case the ledger applies all of
// them or none of them.
//
// Payment fields: Receiver/Amount, plus CloseRemainderTo which sweeps the
// sender's entire remaining balance to the named account after Amount moves.
// Asset fields: AssetID/AssetAmount/AssetReceiver, plus AssetCloseTo which
// moves the sender's whole holding and removes its opt-in slot.
// App fields: AppID (zero means create), OnCompletion, opcode-style AppArgs,
// and read-only Accounts / ForeignAssets references.
type Transaction struct {
	Type  TxType `json:"type"`
	Nonce uint64 `json:"nonce"`
	Fee   uint64 `json:"fee"`

	Receiver         []byte `json:"to,omitempty"`
	Amount           uint64 `json:"amount,omitempty"`
	CloseRemainderTo []byte `json:"closeRemainderTo,omitempty"`

	AssetID       uint64 `json:"assetId,omitempty"`
	AssetAmount   uint64 `json:"assetAmount,omitempty"`
	AssetReceiver []byte `json:"assetReceiver,omitempty"`
	AssetCloseTo  []byte `json:"assetCloseTo,omitempty"`

	AppID         uint64       `json:"appId,omitempty"`
	OnCompletion  OnCompletion `json:"onCompletion,omitempty"`
	AppArgs       [][]byte     `json:"appArgs,omitempty"`
	Accounts      [][]byte     `json:"accounts,omitempty"`
	ForeignAssets []uint64     `json:"foreignAssets,omitempty"`

	Group [32]byte `json:"group,omitempty"`

	// Signature
	R *big.Int `json:"r,omitempty"`
	S *big.Int `json:"s,omitempty"`
	V *big.Int `json:"v,omitempty"`

	from []byte
}

type txSigningPayload struct {
	Type             TxType       `json:"type"`
	Nonce            uint64       `json:"nonce"`
	Fee              uint64       `json:"fee"`
	Receiver         []byte       `json:"to,omitempty"`
	Amount           uint64       `json:"amount,omitempty"`
	CloseRemainderTo []byte       `json:"closeRemainderTo,omitempty"`
	AssetID          uint64       `json:"assetId,omitempty"`
	AssetAmount      uint64       `json:"assetAmount,omitempty"`
	AssetReceiver    []byte       `json:"assetReceiver,omitempty"`
	AssetCloseTo     []byte       `json:"assetCloseTo,omitempty"`
	AppID            uint64       `json:"appId,omitempty"`
	OnCompletion     OnCompletion `json:"onCompletion,omitempty"`
	AppArgs          [][]byte     `json:"appArgs,omitempty"`
	Accounts         [][]byte     `json:"accounts,omitempty"`
	ForeignAssets    []uint64     `json:"foreignAssets,omitempty"`
	Group            [32]byte     `json:"group"`
}

func (tx *Transaction) payload(includeGroup bool) txSigningPayload {
	p := txSigningPayload{
		Type:             tx.Type,
		Nonce:            tx.Nonce,
		Fee:              tx.Fee,
		Receiver:         tx.Receiver,
		Amount:           tx.Amount,
		CloseRemainderTo: tx.CloseRemainderTo,
		AssetID:          tx.AssetID,
		AssetAmount:      tx.AssetAmount,
		AssetReceiver:    tx.AssetReceiver,
		AssetCloseTo:     tx.AssetCloseTo,
		AppID:            tx.AppID,
		OnCompletion:     tx.OnCompletion,
		AppArgs:          tx.AppArgs,
		Accounts:         tx.Accounts,
		ForeignAssets:    tx.ForeignAssets,
	}
	if includeGroup {
		p.Group = tx.Group
	}
	return p
}

// Hash returns the transaction identifier signed by the sender. It covers
// the group hash, so a signature never survives regrouping.
func (tx *Transaction) Hash() ([]byte, error) {
	b, err := json.Marshal(tx.payload(true))
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

// baseHash is the group-independent digest used when deriving the group hash.
func (tx *Transaction) baseHash() ([32]byte, error) {
	b, err := json.Marshal(tx.payload(false))
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// ComputeGroupID derives the shared group hash for an ordered set of
// transactions. The digest covers the position and the group-independent
// hash of every member, so reordering, adding or removing a member yields a
// different group.
func ComputeGroupID(txs []*Transaction) ([32]byte, error) {
	if len(txs) == 0 {
		return [32]byte{}, errors.New("empty transaction group")
	}
	if len(txs) > MaxGroupSize {
		return [32]byte{}, fmt.Errorf("group of %d exceeds max size %d", len(txs), MaxGroupSize)
	}
	h := sha256.New()
	h.Write([]byte("sxchain/txgroup/v1"))
	for _, tx := range txs {
		if tx == nil {
			return [32]byte{}, errors.New("nil transaction in group")
		}
		base, err := tx.baseHash()
		if err != nil {
			return [32]byte{}, err
		}
		h.Write(base[:])
	}
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id, nil
}

// AssignGroup stamps every member with the computed group hash. Transactions
// must be stamped before signing.
func AssignGroup(txs []*Transaction) error {
	id, err := ComputeGroupID(txs)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		tx.Group = id
		tx.from = nil
	}
	return nil
}

func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	tx.from = nil
	return nil
}

// From recovers and caches the sender address from the signature.
func (tx *Transaction) From() ([]byte, error) {
	if tx.from != nil {
		return tx.from, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return nil, errors.New("transaction not signed")
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[32-len(tx.R.Bytes()):32], tx.R.Bytes())
	copy(sig[64-len(tx.S.Bytes()):64], tx.S.Bytes())
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	tx.from = crypto.PubkeyToAddress(*pubKey).Bytes()
	return tx.from, nil
}
