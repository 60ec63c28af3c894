package crypto

import "testing"

func TestExchangeEscrowAddressDeterministic(t *testing.T) {
	a := ExchangeEscrowAddress(7)
	b := ExchangeEscrowAddress(7)
	if a.String() != b.String() {
		t.Fatalf("escrow address not deterministic: %s != %s", a, b)
	}
	if len(a.Bytes()) != AddressLength {
		t.Fatalf("unexpected address length: %d", len(a.Bytes()))
	}
	if a.Prefix() != SXPrefix {
		t.Fatalf("unexpected prefix: %s", a.Prefix())
	}
}

func TestExchangeEscrowAddressUniquePerApp(t *testing.T) {
	seen := make(map[string]uint64)
	for id := uint64(1); id <= 64; id++ {
		addr := ExchangeEscrowAddress(id).String()
		if prev, ok := seen[addr]; ok {
			t.Fatalf("app %d and %d derived the same escrow address", prev, id)
		}
		seen[addr] = id
	}
}

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if string(decoded.Bytes()) != string(addr.Bytes()) {
		t.Fatalf("round trip mismatch")
	}
}
