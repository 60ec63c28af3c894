package exchange

import (
	"fmt"
	"time"

	"sxchain/core/events"
	"sxchain/core/types"
	"sxchain/crypto"
	"sxchain/native/common"
)

// ModuleName identifies the exchange module for pause guards and metrics.
const ModuleName = "exchange"

// engineState is the speculative, group-scoped ledger view the engine runs
// against. Mutations made through it only survive if every member of the
// invoking group succeeds.
type engineState interface {
	ExchangePut(*Exchange) error
	ExchangeGet(appID uint64) (*Exchange, bool)
	ExchangeDelete(appID uint64) error

	Holding(addr [20]byte, assetID uint64) (amount uint64, optedIn bool)
	// OptInAsset registers an asset slot for addr. It fails when addr is
	// already opted in or cannot cover the opt-in balance reserve.
	OptInAsset(addr [20]byte, assetID uint64) error
	// Pay issues an inner fee-free payment.
	Pay(from, to [20]byte, amount uint64) error
	// CloseAssetTo moves addr's entire holding of the asset to the target and
	// removes the opt-in slot.
	CloseAssetTo(from [20]byte, assetID uint64, to [20]byte) error
	// CloseAccountTo sweeps addr's remaining µSX balance to the target.
	CloseAccountTo(from, to [20]byte) error
}

type exchangeEvent struct {
	evt *types.Event
}

func (e exchangeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e exchangeEvent) Event() *types.Event { return e.evt }

// Engine is the exchange state machine. Each exported operation corresponds
// to one ledger invocation and is evaluated atomically against one
// transaction group: it either runs to completion or returns an error, in
// which case the ledger discards every effect of the group.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  common.PauseView
	nowFn   func() int64
	minFee  uint64
}

// NewEngine creates an exchange engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine(minFee uint64) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		minFee:  minFee,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses configures the module pause view consulted before every
// state-changing operation.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// MinFee returns the flat network fee the engine's refund arithmetic absorbs.
func (e *Engine) MinFee() uint64 { return e.minFee }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(exchangeEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) guard() error {
	return common.Guard(e.pauses, ModuleName)
}

func escrowAddress(appID uint64) [20]byte {
	var out [20]byte
	copy(out[:], crypto.ExchangeEscrowAddress(appID).Bytes())
	return out
}

func (e *Engine) loadExchange(appID uint64) (*Exchange, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	x, ok := e.state.ExchangeGet(appID)
	if !ok {
		return nil, ErrExchangeNotFound
	}
	return x, nil
}

// Create initialises the global state of a new exchange instance. The ledger
// allocates appID; the remaining parameters arrive as fixed-width encoded
// call arguments. Nothing is persisted when a precondition fails.
func (e *Engine) Create(call Call, appID uint64) (*Exchange, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	params, err := decodeCreateArgs(call.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGroup, err)
	}
	now := e.now()
	if now >= params.StartTime {
		return nil, fmt.Errorf("%w: start time %d not in the future", ErrOutsideWindow, params.StartTime)
	}
	if params.StartTime >= params.EndTime {
		return nil, fmt.Errorf("%w: start %d must precede end %d", ErrOutsideWindow, params.StartTime, params.EndTime)
	}
	x := &Exchange{
		AppID:           appID,
		Creator:         call.Sender,
		Seller:          params.Seller,
		AssetID:         params.AssetID,
		StartTime:       params.StartTime,
		EndTime:         params.EndTime,
		ReserveAmount:   params.ReserveAmount,
		MinBidIncrement: params.MinBidIncrement,
	}
	sanitized, err := SanitizeExchange(x)
	if err != nil {
		return nil, err
	}
	if err := e.state.ExchangePut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// Setup opts the escrow account into the exchanged asset. The companion
// funding payment in the same group is not validated beyond the opt-in
// succeeding against the ledger's balance reserve rules.
func (e *Engine) Setup(call Call) error {
	x, err := e.loadExchange(call.AppID)
	if err != nil {
		return err
	}
	if err := e.guard(); err != nil {
		return err
	}
	if e.now() >= x.StartTime {
		return fmt.Errorf("%w: exchange already started", ErrOutsideWindow)
	}
	if x.IsSetUp {
		return ErrAlreadySetUp
	}
	if call.GroupAppCalls != 1 {
		return fmt.Errorf("%w: setup must be the sole application call in its group", ErrMalformedGroup)
	}
	escrow := escrowAddress(x.AppID)
	if err := e.state.OptInAsset(escrow, x.AssetID); err != nil {
		return err
	}
	x.IsSetUp = true
	if err := e.state.ExchangePut(x); err != nil {
		return err
	}
	e.emit(NewSetUpEvent(x))
	return nil
}

// Bid evaluates a bid against the current lead. The bid amount and bidder are
// read from the companion payment at the fixed group offset, not from call
// arguments. On acceptance the previous lead bidder is refunded their bid
// minus one network fee in the same atomic step.
func (e *Engine) Bid(call Call) error {
	x, err := e.loadExchange(call.AppID)
	if err != nil {
		return err
	}
	if err := e.guard(); err != nil {
		return err
	}
	escrow := escrowAddress(x.AppID)
	if held, opted := e.state.Holding(escrow, x.AssetID); !opted || held == 0 {
		return ErrNotSetUp
	}
	now := e.now()
	if now < x.StartTime {
		return fmt.Errorf("%w: exchange has not started", ErrOutsideWindow)
	}
	if now >= x.EndTime {
		return fmt.Errorf("%w: exchange has ended", ErrOutsideWindow)
	}
	payment, ok := call.companion(-1)
	if !ok {
		return fmt.Errorf("%w: no companion payment before the call", ErrMalformedGroup)
	}
	switch {
	case payment.Type != types.TxTypePayment:
		return fmt.Errorf("%w: companion transaction is not a payment", ErrMalformedGroup)
	case payment.Sender != call.Sender:
		return fmt.Errorf("%w: payment sender differs from call sender", ErrMalformedGroup)
	case payment.Receiver != escrow:
		return fmt.Errorf("%w: payment receiver is not the escrow account", ErrMalformedGroup)
	case payment.Amount < e.minFee:
		return fmt.Errorf("%w: payment below the minimum network fee", ErrMalformedGroup)
	}
	// Inclusive threshold: a bid of exactly lead + increment supersedes.
	if payment.Amount < x.LeadBidAmount || payment.Amount-x.LeadBidAmount < x.MinBidIncrement {
		return fmt.Errorf("%w: %d < %d + %d", ErrBidTooLow, payment.Amount, x.LeadBidAmount, x.MinBidIncrement)
	}
	if x.HasLeadBidder() {
		// The refund only reaches the previous leader if the call carries
		// their address as an account reference.
		if !call.References(x.LeadBidAccount) {
			return fmt.Errorf("%w: previous lead bidder not referenced by the call", ErrMalformedGroup)
		}
		refund := x.LeadBidAmount - e.minFee
		if err := e.state.Pay(escrow, x.LeadBidAccount, refund); err != nil {
			return err
		}
		e.emit(NewRefundEvent(x, x.LeadBidAccount, refund))
	}
	x.LeadBidAmount = payment.Amount
	x.LeadBidAccount = payment.Sender
	x.NumBids++
	if err := e.state.ExchangePut(x); err != nil {
		return err
	}
	e.emit(NewBidAcceptedEvent(x))
	return nil
}

// Close terminates the exchange instance: cancellation before the start time
// (seller or creator only) or settlement after the end time (anyone). In
// every branch the asset holding is closed out, the remaining µSX balance is
// swept to the seller and the global state is deleted.
func (e *Engine) Close(call Call) error {
	x, err := e.loadExchange(call.AppID)
	if err != nil {
		return err
	}
	if err := e.guard(); err != nil {
		return err
	}
	now := e.now()
	switch {
	case now < x.StartTime:
		// No bids can exist yet: bidding requires now >= StartTime.
		if call.Sender != x.Seller && call.Sender != x.Creator {
			return fmt.Errorf("%w: only the seller or creator may cancel", ErrUnauthorized)
		}
		if err := e.closeOut(x, x.Seller); err != nil {
			return err
		}
		e.emit(NewCancelledEvent(x))
		return nil
	case now >= x.EndTime:
		if x.ReserveMet() {
			if err := e.closeOut(x, x.LeadBidAccount); err != nil {
				return err
			}
			e.emit(NewSettledEvent(x, true))
			return nil
		}
		if x.HasLeadBidder() {
			refund := x.LeadBidAmount - e.minFee
			if err := e.state.Pay(escrowAddress(x.AppID), x.LeadBidAccount, refund); err != nil {
				return err
			}
			e.emit(NewRefundEvent(x, x.LeadBidAccount, refund))
		}
		if err := e.closeOut(x, x.Seller); err != nil {
			return err
		}
		e.emit(NewSettledEvent(x, false))
		return nil
	default:
		return fmt.Errorf("%w: exchange is active until %d", ErrOutsideWindow, x.EndTime)
	}
}

// closeOut drains the escrow and deletes the instance: the whole asset
// holding (when opted in) goes to assetTarget, the remaining balance to the
// seller.
func (e *Engine) closeOut(x *Exchange, assetTarget [20]byte) error {
	escrow := escrowAddress(x.AppID)
	if _, opted := e.state.Holding(escrow, x.AssetID); opted {
		if err := e.state.CloseAssetTo(escrow, x.AssetID, assetTarget); err != nil {
			return err
		}
	}
	if err := e.state.CloseAccountTo(escrow, x.Seller); err != nil {
		return err
	}
	return e.state.ExchangeDelete(x.AppID)
}
