package exchange

import (
	"encoding/hex"
	"strconv"

	"sxchain/core/types"
)

const (
	EventTypeExchangeCreated   = "exchange.created"
	EventTypeExchangeSetUp     = "exchange.setup"
	EventTypeBidAccepted       = "exchange.bid.accepted"
	EventTypeBidRefunded       = "exchange.bid.refunded"
	EventTypeExchangeCancelled = "exchange.cancelled"
	EventTypeExchangeSettled   = "exchange.settled"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// exchange instance.
func NewCreatedEvent(x *Exchange) *types.Event {
	return newExchangeEvent(EventTypeExchangeCreated, x)
}

// NewSetUpEvent returns the canonical event payload emitted once the escrow
// has opted in to the exchanged asset.
func NewSetUpEvent(x *Exchange) *types.Event {
	return newExchangeEvent(EventTypeExchangeSetUp, x)
}

// NewBidAcceptedEvent returns the canonical event payload for an accepted bid.
func NewBidAcceptedEvent(x *Exchange) *types.Event {
	return newExchangeEvent(EventTypeBidAccepted, x)
}

// NewRefundEvent returns the event payload emitted when an outbid or losing
// lead bidder is repaid their bid minus one network fee.
func NewRefundEvent(x *Exchange, bidder [20]byte, amount uint64) *types.Event {
	evt := newExchangeEvent(EventTypeBidRefunded, x)
	evt.Attributes["refundAccount"] = hex.EncodeToString(bidder[:])
	evt.Attributes["refundAmount"] = strconv.FormatUint(amount, 10)
	return evt
}

// NewCancelledEvent returns the event payload for a pre-start cancellation.
func NewCancelledEvent(x *Exchange) *types.Event {
	return newExchangeEvent(EventTypeExchangeCancelled, x)
}

// NewSettledEvent returns the event payload for a post-end settlement. sold
// reports whether the reserve was met and the asset went to the lead bidder.
func NewSettledEvent(x *Exchange, sold bool) *types.Event {
	evt := newExchangeEvent(EventTypeExchangeSettled, x)
	evt.Attributes["sold"] = strconv.FormatBool(sold)
	return evt
}

func newExchangeEvent(eventType string, x *Exchange) *types.Event {
	attrs := make(map[string]string)
	if x == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["appId"] = strconv.FormatUint(x.AppID, 10)
	attrs["seller"] = hex.EncodeToString(x.Seller[:])
	attrs["assetId"] = strconv.FormatUint(x.AssetID, 10)
	attrs["start"] = strconv.FormatInt(x.StartTime, 10)
	attrs["end"] = strconv.FormatInt(x.EndTime, 10)
	attrs["reserveAmount"] = strconv.FormatUint(x.ReserveAmount, 10)
	attrs["minBidInc"] = strconv.FormatUint(x.MinBidIncrement, 10)
	attrs["numBids"] = strconv.FormatUint(x.NumBids, 10)
	attrs["bidAmount"] = strconv.FormatUint(x.LeadBidAmount, 10)
	if x.HasLeadBidder() {
		attrs["bidAccount"] = hex.EncodeToString(x.LeadBidAccount[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
