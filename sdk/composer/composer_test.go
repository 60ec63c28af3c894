package composer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sxchain/core"
	"sxchain/core/types"
	"sxchain/crypto"
	"sxchain/sdk/composer"
	"sxchain/storage"
)

func newComposerLedger(t *testing.T) (*core.Ledger, *int64) {
	t.Helper()
	ledger, err := core.NewLedger(storage.NewMemDB(), core.Params{
		MinTxnFee:         1_000,
		MinAccountBalance: 100_000,
		AssetOptInReserve: 100_000,
	})
	require.NoError(t, err)
	now := int64(100)
	ledger.SetNowFunc(func() int64 { return now })
	return ledger, &now
}

func newKey(t *testing.T) (*crypto.PrivateKey, [20]byte) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	var addr [20]byte
	copy(addr[:], key.PubKey().Address().Bytes())
	return key, addr
}

func TestFundingAmountCoversReserveAndFees(t *testing.T) {
	params := core.Params{MinTxnFee: 1_000, MinAccountBalance: 100_000, AssetOptInReserve: 100_000}
	require.Equal(t, uint64(203_000), composer.FundingAmount(params))
}

func TestBuildSetupShape(t *testing.T) {
	ledger, _ := newComposerLedger(t)
	seller, sellerAddr := newKey(t)
	ledger.Faucet(sellerAddr[:], 10_000_000)
	assetID, err := ledger.CreateAsset(sellerAddr[:], 1, "SuperCoolNFT")
	require.NoError(t, err)
	appID, err := composer.CreateExchange(ledger, seller, sellerAddr, assetID, 1_000, 2_000, 1_000_000, 100_000)
	require.NoError(t, err)

	group, err := composer.BuildSetup(ledger, appID, seller, seller, assetID, 1)
	require.NoError(t, err)
	require.Len(t, group, 3)
	require.Equal(t, types.TxTypePayment, group[0].Type)
	require.Equal(t, types.TxTypeAppCall, group[1].Type)
	require.Equal(t, types.TxTypeAssetTransfer, group[2].Type)

	escrow := crypto.ExchangeEscrowAddress(appID).Bytes()
	require.Equal(t, escrow, group[0].Receiver)
	require.Equal(t, escrow, group[2].AssetReceiver)
	require.Equal(t, composer.FundingAmount(ledger.Params()), group[0].Amount)

	// A shared signer continues one nonce sequence across members.
	require.Equal(t, group[0].Nonce+1, group[1].Nonce)
	require.Equal(t, group[0].Nonce+2, group[2].Nonce)

	want, err := types.ComputeGroupID(group)
	require.NoError(t, err)
	for _, tx := range group {
		require.Equal(t, want, tx.Group)
		from, err := tx.From()
		require.NoError(t, err)
		require.Equal(t, sellerAddr[:], from)
	}
}

func TestBuildBidCarriesPreviousLeader(t *testing.T) {
	ledger, now := newComposerLedger(t)
	seller, sellerAddr := newKey(t)
	alice, aliceAddr := newKey(t)
	bob, _ := newKey(t)
	for _, addr := range [][20]byte{sellerAddr, aliceAddr} {
		ledger.Faucet(addr[:], 10_000_000)
	}
	bobAddrKey := bob.PubKey().Address().Bytes()
	ledger.Faucet(bobAddrKey, 10_000_000)

	assetID, err := ledger.CreateAsset(sellerAddr[:], 1, "SuperCoolNFT")
	require.NoError(t, err)
	appID, err := composer.CreateExchange(ledger, seller, sellerAddr, assetID, 1_000, 2_000, 1_000_000, 100_000)
	require.NoError(t, err)
	require.NoError(t, composer.SetupExchange(ledger, appID, seller, seller, assetID, 1))

	*now = 1_500
	first, err := composer.BuildBid(ledger, appID, alice, 1_000_000)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Empty(t, first[1].Accounts)
	require.NoError(t, ledger.ApplyGroup(first))

	second, err := composer.BuildBid(ledger, appID, bob, 1_100_000)
	require.NoError(t, err)
	require.Equal(t, [][]byte{aliceAddr[:]}, second[1].Accounts)
}

func TestBuildCloseReferencesParticipants(t *testing.T) {
	ledger, now := newComposerLedger(t)
	seller, sellerAddr := newKey(t)
	alice, aliceAddr := newKey(t)
	ledger.Faucet(sellerAddr[:], 10_000_000)
	ledger.Faucet(aliceAddr[:], 10_000_000)

	assetID, err := ledger.CreateAsset(sellerAddr[:], 1, "SuperCoolNFT")
	require.NoError(t, err)
	appID, err := composer.CreateExchange(ledger, seller, sellerAddr, assetID, 1_000, 2_000, 1_000_000, 100_000)
	require.NoError(t, err)
	require.NoError(t, composer.SetupExchange(ledger, appID, seller, seller, assetID, 1))

	*now = 1_500
	require.NoError(t, composer.PlaceBid(ledger, appID, alice, 1_000_000))

	group, err := composer.BuildClose(ledger, appID, seller)
	require.NoError(t, err)
	require.Len(t, group, 1)
	require.Equal(t, types.OnCompletionDelete, group[0].OnCompletion)
	require.Equal(t, [][]byte{sellerAddr[:], aliceAddr[:]}, group[0].Accounts)
	require.Equal(t, []uint64{assetID}, group[0].ForeignAssets)
}

func TestBuildBidUnknownExchange(t *testing.T) {
	ledger, _ := newComposerLedger(t)
	alice, aliceAddr := newKey(t)
	ledger.Faucet(aliceAddr[:], 10_000_000)
	_, err := composer.BuildBid(ledger, 42, alice, 1_000_000)
	require.Error(t, err)
}
