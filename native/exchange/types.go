package exchange

import (
	"encoding/binary"
	"fmt"
)

// Exchange captures the global state of a single timed, reserve-priced asset
// exchange. Seven numeric fields and two address fields, mirroring the
// on-ledger schema: everything except NumBids, LeadBidAmount, LeadBidAccount
// and IsSetUp is immutable after creation.
type Exchange struct {
	AppID           uint64   `json:"appId"`
	Creator         [20]byte `json:"creator"`
	Seller          [20]byte `json:"seller"`
	AssetID         uint64   `json:"assetId"`
	StartTime       int64    `json:"start"`
	EndTime         int64    `json:"end"`
	ReserveAmount   uint64   `json:"reserveAmount"`
	MinBidIncrement uint64   `json:"minBidInc"`
	NumBids         uint64   `json:"numBids"`
	LeadBidAmount   uint64   `json:"bidAmount"`
	LeadBidAccount  [20]byte `json:"bidAccount"`
	IsSetUp         bool     `json:"isSetUp"`
}

// HasLeadBidder reports whether any bid has been accepted. The zero address
// is the "no bidder yet" sentinel, set at creation.
func (x *Exchange) HasLeadBidder() bool {
	return x != nil && x.LeadBidAccount != ([20]byte{})
}

// ReserveMet reports whether the current lead bid satisfies the reserve.
func (x *Exchange) ReserveMet() bool {
	return x.HasLeadBidder() && x.LeadBidAmount >= x.ReserveAmount
}

// Clone returns a copy of the exchange record so callers can mutate the copy
// without affecting the stored instance.
func (x *Exchange) Clone() *Exchange {
	if x == nil {
		return nil
	}
	clone := *x
	return &clone
}

// SanitizeExchange validates an exchange record before it is persisted.
func SanitizeExchange(x *Exchange) (*Exchange, error) {
	if x == nil {
		return nil, fmt.Errorf("nil exchange")
	}
	if x.AppID == 0 {
		return nil, fmt.Errorf("exchange app id must be non-zero")
	}
	if x.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("exchange seller must be set")
	}
	if x.StartTime >= x.EndTime {
		return nil, fmt.Errorf("exchange start %d must precede end %d", x.StartTime, x.EndTime)
	}
	if !x.HasLeadBidder() && x.LeadBidAmount != 0 {
		return nil, fmt.Errorf("lead bid amount without lead bidder")
	}
	return x.Clone(), nil
}

// --- Invocation argument encoding ---

// Method tags carried as the first application argument of a call.
const (
	MethodSetup = "setup"
	MethodBid   = "bid"
)

const createArgCount = 6

// EncodeCreateArgs packs the creation parameters into the fixed-width
// argument layout the state machine decodes: the seller address followed by
// five big-endian uint64 fields.
func EncodeCreateArgs(seller [20]byte, assetID uint64, startTime, endTime int64, reserve, minBidIncrement uint64) [][]byte {
	args := make([][]byte, 0, createArgCount)
	args = append(args, append([]byte(nil), seller[:]...))
	for _, v := range []uint64{assetID, uint64(startTime), uint64(endTime), reserve, minBidIncrement} {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		args = append(args, buf)
	}
	return args
}

type createArgs struct {
	Seller          [20]byte
	AssetID         uint64
	StartTime       int64
	EndTime         int64
	ReserveAmount   uint64
	MinBidIncrement uint64
}

func decodeCreateArgs(args [][]byte) (createArgs, error) {
	var out createArgs
	if len(args) != createArgCount {
		return out, fmt.Errorf("create expects %d arguments, got %d", createArgCount, len(args))
	}
	if len(args[0]) != 20 {
		return out, fmt.Errorf("seller argument must be 20 bytes, got %d", len(args[0]))
	}
	copy(out.Seller[:], args[0])
	fields := make([]uint64, 0, createArgCount-1)
	for i, arg := range args[1:] {
		if len(arg) != 8 {
			return out, fmt.Errorf("argument %d must be 8 bytes, got %d", i+1, len(arg))
		}
		fields = append(fields, binary.BigEndian.Uint64(arg))
	}
	out.AssetID = fields[0]
	out.StartTime = int64(fields[1])
	out.EndTime = int64(fields[2])
	out.ReserveAmount = fields[3]
	out.MinBidIncrement = fields[4]
	return out, nil
}
