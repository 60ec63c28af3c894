package core

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sxchain/core/events"
	"sxchain/core/types"
	"sxchain/native/common"
	"sxchain/native/exchange"
	"sxchain/storage"
)

var (
	ErrEmptyGroup        = errors.New("ledger: empty transaction group")
	ErrGroupTooLarge     = errors.New("ledger: transaction group exceeds max size")
	ErrGroupHashMismatch = errors.New("ledger: group hash mismatch")
	ErrBadNonce          = errors.New("ledger: bad nonce")
	ErrFeeTooLow         = errors.New("ledger: fee below network minimum")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrBelowMinBalance   = errors.New("ledger: balance would drop below minimum")
	ErrNotOptedIn        = errors.New("ledger: account not opted in to asset")
	ErrAlreadyOptedIn    = errors.New("ledger: account already opted in to asset")
	ErrUnknownAsset      = errors.New("ledger: unknown asset")
	ErrUnknownApp        = errors.New("ledger: unknown application")
)

const stateKey = "ledger/state/v1"

// Params are the network parameters every node agrees on.
type Params struct {
	MinTxnFee         uint64
	MinAccountBalance uint64
	AssetOptInReserve uint64
}

// ledgerState is the full mutable state of the chain. Groups execute against
// a deep copy; the copy replaces the live state only when every member
// succeeds, which is what makes a group atomic.
type ledgerState struct {
	Accounts    map[string]*types.Account      `json:"accounts"`
	Assets      map[uint64]*types.AssetParams  `json:"assets"`
	Exchanges   map[uint64]*exchange.Exchange  `json:"exchanges"`
	NextAssetID uint64                         `json:"nextAssetId"`
	NextAppID   uint64                         `json:"nextAppId"`
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		Accounts:    make(map[string]*types.Account),
		Assets:      make(map[uint64]*types.AssetParams),
		Exchanges:   make(map[uint64]*exchange.Exchange),
		NextAssetID: 1,
		NextAppID:   1,
	}
}

func (s *ledgerState) clone() *ledgerState {
	clone := newLedgerState()
	clone.NextAssetID = s.NextAssetID
	clone.NextAppID = s.NextAppID
	for k, acc := range s.Accounts {
		clone.Accounts[k] = acc.Clone()
	}
	for id, params := range s.Assets {
		p := *params
		p.Creator = append([]byte(nil), params.Creator...)
		clone.Assets[id] = &p
	}
	for id, x := range s.Exchanges {
		clone.Exchanges[id] = x.Clone()
	}
	return clone
}

func accountKey(addr []byte) string { return hex.EncodeToString(addr) }

func (s *ledgerState) account(addr []byte) *types.Account {
	key := accountKey(addr)
	acc, ok := s.Accounts[key]
	if !ok {
		acc = &types.Account{}
		s.Accounts[key] = acc
	}
	return acc
}

// Ledger executes atomic transaction groups serially in commitment order and
// owns the exchange module's state. It is the sole writer of both the account
// table and the exchange records; external collaborators only read.
type Ledger struct {
	mu      sync.Mutex
	db      storage.Database
	state   *ledgerState
	params  Params
	engine  *exchange.Engine
	emitter events.Emitter
	pauses  *common.PauseSet
	nowFn   func() int64
	logger  *slog.Logger
	pending []events.Event
}

// NewLedger opens (or initialises) a ledger backed by db.
func NewLedger(db storage.Database, params Params) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: database required")
	}
	state := newLedgerState()
	raw, err := db.Get([]byte(stateKey))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, state); err != nil {
			return nil, fmt.Errorf("ledger: corrupt state document: %w", err)
		}
	case errors.Is(err, storage.ErrKeyNotFound):
		// fresh database
	default:
		return nil, err
	}
	l := &Ledger{
		db:      db,
		state:   state,
		params:  params,
		emitter: events.NoopEmitter{},
		pauses:  common.NewPauseSet(),
		nowFn:   func() int64 { return time.Now().Unix() },
		logger:  slog.Default(),
	}
	l.engine = exchange.NewEngine(params.MinTxnFee)
	l.engine.SetPauses(l.pauses)
	l.engine.SetNowFunc(func() int64 { return l.nowFn() })
	l.engine.SetEmitter(emitterFunc(l.buffer))
	return l, nil
}

type emitterFunc func(events.Event)

func (f emitterFunc) Emit(evt events.Event) { f(evt) }

func (l *Ledger) buffer(evt events.Event) {
	l.pending = append(l.pending, evt)
}

// SetEmitter configures the sink that receives events from committed groups.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetLogger overrides the structured logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// SetNowFunc overrides the ledger clock, for deterministic tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// Pauses exposes the module pause switches.
func (l *Ledger) Pauses() *common.PauseSet { return l.pauses }

// MinTxnFee returns the flat network fee.
func (l *Ledger) MinTxnFee() uint64 { return l.params.MinTxnFee }

// Params returns the network parameters the ledger was opened with.
func (l *Ledger) Params() Params { return l.params }

// NextAppID returns the ID the next successful application creation will be
// assigned.
func (l *Ledger) NextAppID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.NextAppID
}

// --- Read-only queries ---

// Account returns a copy of the account record for addr.
func (l *Ledger) Account(addr []byte) *types.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.state.Accounts[accountKey(addr)]
	if !ok {
		return &types.Account{}
	}
	return acc.Clone()
}

// ExchangeState returns a copy of the exchange record, when it exists.
func (l *Ledger) ExchangeState(appID uint64) (*exchange.Exchange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	x, ok := l.state.Exchanges[appID]
	if !ok {
		return nil, false
	}
	return x.Clone(), true
}

// --- Genesis helpers ---

// Faucet credits addr with µSX. Only intended for genesis and tests.
func (l *Ledger) Faucet(addr []byte, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.account(addr).Balance += amount
	if err := l.persist(); err != nil {
		l.logger.Error("persist after faucet", "err", err)
	}
}

// CreateAsset issues a new fungible asset and credits the full supply to the
// creator, who is opted in implicitly.
func (l *Ledger) CreateAsset(creator []byte, total uint64, name string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.state.NextAssetID
	l.state.NextAssetID++
	l.state.Assets[id] = &types.AssetParams{
		ID:      id,
		Creator: append([]byte(nil), creator...),
		Total:   total,
		Name:    name,
	}
	acc := l.state.account(creator)
	if acc.Holdings == nil {
		acc.Holdings = make(map[uint64]uint64)
	}
	acc.Holdings[id] = total
	if err := l.persist(); err != nil {
		return 0, err
	}
	return id, nil
}

func (l *Ledger) persist() error {
	raw, err := json.Marshal(l.state)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(stateKey), raw)
}
