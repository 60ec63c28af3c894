package types

// AssetParams describes a fungible asset issued on the ledger. The exchange
// module only ever references assets by ID; issuance itself happens at
// genesis or through the ledger's CreateAsset helper.
type AssetParams struct {
	ID      uint64 `json:"id"`
	Creator []byte `json:"creator"`
	Total   uint64 `json:"total"`
	Name    string `json:"name,omitempty"`
}
