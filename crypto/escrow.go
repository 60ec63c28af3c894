package crypto

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// escrowDomain separates exchange escrow addresses from every other key
// derivation on the chain.
const escrowDomain = "sxchain/exchange/escrow/v1"

// ExchangeEscrowAddress derives the escrow account address for an exchange
// instance. The derivation is a pure function of the application identifier,
// so any party can compute it without a ledger round trip. No private key
// exists for the returned address; only inner transactions issued by the
// exchange program can move funds out of it.
func ExchangeEscrowAddress(appID uint64) Address {
	buf := make([]byte, len(escrowDomain)+8)
	copy(buf, escrowDomain)
	binary.BigEndian.PutUint64(buf[len(escrowDomain):], appID)
	sum := blake3.Sum256(buf)
	return MustNewAddress(SXPrefix, sum[:AddressLength])
}
