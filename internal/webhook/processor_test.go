package webhook

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bonding-curve-feed/internal/cache"
	"bonding-curve-feed/internal/domain"
	"bonding-curve-feed/internal/livefeed"
	"bonding-curve-feed/internal/program"
	"bonding-curve-feed/internal/volume"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newKey() string {
	return solana.NewWallet().PublicKey().String()
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []livefeed.Event
}

func (b *recordingBroadcaster) Broadcast(ev livefeed.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return 1
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	programID  string
	processor  *Processor
	aggregator *volume.Aggregator
	seen       *cache.MemorySeenSet
}

func newFixture(t *testing.T, withSeen bool) *fixture {
	t.Helper()
	programID := newKey()
	dec, err := program.NewDecoder(programID)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	agg := volume.New(24*time.Hour, volume.WithClock(func() time.Time { return testNow }))
	f := &fixture{programID: programID, aggregator: agg}
	opts := Options{Decoder: dec, Aggregator: agg, Logger: logrus.NewEntry(log)}
	if withSeen {
		f.seen = cache.NewMemorySeenSet(24 * time.Hour)
		opts.Seen = f.seen
	}
	f.processor = NewProcessor(opts)
	f.processor.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) ix(t *testing.T, name string, args any, accounts ...string) Instruction {
	t.Helper()
	data, err := program.EncodeInstruction(name, args)
	require.NoError(t, err)
	return Instruction{ProgramID: f.programID, Accounts: accounts, Data: base58.Encode(data)}
}

func (f *fixture) escrow(t *testing.T, pool string) string {
	t.Helper()
	dec, err := program.NewDecoder(f.programID)
	require.NoError(t, err)
	escrow, err := dec.Escrow(pool)
	require.NoError(t, err)
	return escrow
}

func TestProcess_CollectionThenPoolScenario(t *testing.T) {
	f := newFixture(t, true)
	creator, m1, pool := newKey(), newKey(), newKey()

	txs := []Transaction{{
		Signature: "sig-1",
		Timestamp: testNow.Unix(),
		Instructions: []Instruction{
			f.ix(t, program.InstructionCreateCollectionNft,
				program.CreateCollectionNftArgs{Name: "Foo", Symbol: "FOO", URI: "ipfs://foo"}, creator, m1),
			f.ix(t, program.InstructionCreatePool,
				program.CreatePoolArgs{BasePrice: 1_000_000_000, GrowthFactor: 500}, creator, m1, pool),
		},
	}}

	res, err := f.processor.Process(context.Background(), txs)
	require.NoError(t, err)

	require.Len(t, res.NewCollections, 1)
	assert.Equal(t, m1, res.NewCollections[0].CollectionMint)
	assert.Equal(t, "Foo", res.NewCollections[0].Name)
	assert.Equal(t, testNow.UnixMilli(), res.NewCollections[0].CreatedAt)

	require.Len(t, res.NewPools, 1)
	got := res.NewPools[0]
	assert.Equal(t, pool, got.PoolAddress)
	assert.Equal(t, m1, got.CollectionMint)
	assert.Equal(t, uint64(1_000_000_000), got.BasePrice)
	assert.Equal(t, uint64(500), got.GrowthFactor)
	assert.Equal(t, f.escrow(t, pool), got.Escrow)
	assert.True(t, got.Verified)
	assert.True(t, got.IsNew)
	assert.True(t, res.HasCollectionEvents)
	assert.Equal(t, 1, res.Processed)

	b := &recordingBroadcaster{}
	n, err := Publish(b, res, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{livefeed.EventNewCollections, livefeed.EventNewPools}, b.types())
}

func TestProcess_PoolWithoutKnownCollectionIsUnverified(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.processor.Process(context.Background(), []Transaction{{
		Signature: "sig",
		Timestamp: testNow.Unix(),
		Instructions: []Instruction{
			f.ix(t, program.InstructionCreatePool, program.CreatePoolArgs{BasePrice: 1, GrowthFactor: 1},
				newKey(), newKey(), newKey()),
		},
	}})
	require.NoError(t, err)
	require.Len(t, res.NewPools, 1)
	assert.False(t, res.NewPools[0].Verified)
	assert.False(t, res.HasCollectionEvents)
}

func TestProcess_CollectionAfterPoolIsUnverified(t *testing.T) {
	f := newFixture(t, false)
	m1 := newKey()

	res, err := f.processor.Process(context.Background(), []Transaction{
		{
			Signature: "pool",
			Timestamp: testNow.Unix() - 10,
			Instructions: []Instruction{
				f.ix(t, program.InstructionCreatePool, program.CreatePoolArgs{}, newKey(), m1, newKey()),
			},
		},
		{
			Signature: "collection",
			Timestamp: testNow.Unix(),
			Instructions: []Instruction{
				f.ix(t, program.InstructionCreateCollectionNft, program.CreateCollectionNftArgs{Name: "Late"}, newKey(), m1),
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.NewPools, 1)
	assert.False(t, res.NewPools[0].Verified)
	_, known := f.processor.Collection(m1)
	assert.True(t, known)
}

func TestProcess_Trades(t *testing.T) {
	f := newFixture(t, true)
	pool, mint, nft := newKey(), newKey(), newKey()
	buyer, seller, minter := newKey(), newKey(), newKey()
	escrow := f.escrow(t, pool)

	txs := []Transaction{
		{
			Signature: "buy",
			Timestamp: testNow.UnixMilli() - 3000,
			Instructions: []Instruction{
				f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 9_000_000_000}, buyer, pool, mint, nft, escrow),
			},
			NativeTransfers: []NativeTransfer{
				{FromUserAccount: buyer, ToUserAccount: escrow, Amount: 2_000_000_000},
				{FromUserAccount: buyer, ToUserAccount: newKey(), Amount: 5_000},
			},
		},
		{
			Signature: "sell",
			Timestamp: testNow.UnixMilli() - 2000,
			Instructions: []Instruction{
				// escrow omitted: derived from the pool
				f.ix(t, program.InstructionSellNft, program.SellNftArgs{MinPrice: 1}, seller, pool, mint, nft),
			},
			AccountData: []AccountData{{Account: escrow, NativeBalanceChange: -1_500_000_000}},
		},
		{
			Signature: "mint",
			Timestamp: testNow.UnixMilli() - 1000,
			Instructions: []Instruction{
				f.ix(t, program.InstructionMintNft, program.MintNftArgs{Name: "#1"}, minter, pool, mint, nft, escrow),
			},
		},
	}

	res, err := f.processor.Process(context.Background(), txs)
	require.NoError(t, err)
	require.Len(t, res.VolumeData, 3)

	buy, sell, mintTrade := res.VolumeData[0], res.VolumeData[1], res.VolumeData[2]
	assert.Equal(t, domain.TradeBuy, buy.Type)
	assert.Equal(t, buyer, buy.Trader)
	assert.Equal(t, uint64(2_000_000_000), buy.AmountLamports)
	assert.InDelta(t, 2.0, buy.Amount, 1e-9)
	assert.Equal(t, nft, buy.NFTMint)

	assert.Equal(t, domain.TradeSell, sell.Type)
	assert.Equal(t, seller, sell.Trader)
	assert.Equal(t, uint64(1_500_000_000), sell.AmountLamports)

	// No transfer data: mint has no price arg, so the amount is zero.
	assert.Equal(t, domain.TradeBuy, mintTrade.Type)
	assert.Equal(t, program.InstructionMintNft, mintTrade.Instruction)
	assert.Equal(t, minter, mintTrade.Trader)

	require.Len(t, res.VolumeUpdates, 1)
	assert.Equal(t, pool, res.VolumeUpdates[0].PoolAddress)
	assert.Equal(t, 3, res.VolumeUpdates[0].Metrics.Transactions24h)
	assert.Equal(t, 3, res.VolumeUpdates[0].Metrics.UniqueTraders24h)

	b := &recordingBroadcaster{}
	n, err := Publish(b, res, testNow)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{
		livefeed.EventNewTransaction, livefeed.EventNewTransaction, livefeed.EventNewTransaction,
		livefeed.EventVolumeUpdate,
	}, b.types())

	var updates []domain.PoolVolumeUpdate
	require.NoError(t, json.Unmarshal(b.events[3].Data, &updates))
	assert.Equal(t, pool, updates[0].PoolAddress)
}

func TestProcess_BuyFallsBackToMaxPrice(t *testing.T) {
	f := newFixture(t, false)
	pool := newKey()

	res, err := f.processor.Process(context.Background(), []Transaction{{
		Signature: "buy",
		Timestamp: testNow.Unix(),
		Instructions: []Instruction{
			f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 750_000_000}, newKey(), pool),
		},
	}})
	require.NoError(t, err)
	require.Len(t, res.VolumeData, 1)
	assert.Equal(t, uint64(750_000_000), res.VolumeData[0].AmountLamports)
	assert.InDelta(t, 0.75, res.VolumeData[0].Amount, 1e-9)
}

func TestProcess_IsolatesBadInstructions(t *testing.T) {
	f := newFixture(t, false)
	creator, m1 := newKey(), newKey()

	good := f.ix(t, program.InstructionCreateCollectionNft, program.CreateCollectionNftArgs{Name: "Ok"}, creator, m1)
	truncated := f.ix(t, program.InstructionCreatePool, program.CreatePoolArgs{BasePrice: 1}, creator, m1, newKey())
	raw, _ := base58.Decode(truncated.Data)
	truncated.Data = base58.Encode(raw[:10])

	txs := []Transaction{{
		Signature: "mixed",
		Timestamp: testNow.Unix(),
		Instructions: []Instruction{
			{ProgramID: f.programID, Data: base58.Encode([]byte("garbage!!")), Accounts: []string{creator}},
			truncated,
			{ProgramID: f.programID, Data: "0OIl", Accounts: nil}, // invalid base58
			{ProgramID: newKey(), Data: good.Data, Accounts: good.Accounts},
			good,
		},
	}}

	res, err := f.processor.Process(context.Background(), txs)
	require.NoError(t, err)
	assert.Len(t, res.NewCollections, 1, "only the program's valid instruction is decoded")
	assert.Empty(t, res.NewPools)
	assert.Equal(t, 1, res.Processed)
}

func TestProcess_InnerInstructions(t *testing.T) {
	f := newFixture(t, false)
	pool, buyer := newKey(), newKey()

	outer := Instruction{ProgramID: newKey(), Data: "1"}
	outer.InnerInstructions = []Instruction{
		f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 10}, buyer, pool),
		f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 20}, buyer, pool),
	}

	res, err := f.processor.Process(context.Background(), []Transaction{{
		Signature:    "cpi",
		Timestamp:    testNow.Unix(),
		Instructions: []Instruction{outer},
	}})
	require.NoError(t, err)
	require.Len(t, res.VolumeData, 2)
	assert.Equal(t, 1, res.VolumeData[0].InstructionIndex)
	assert.Equal(t, 2, res.VolumeData[1].InstructionIndex)
}

func TestProcess_SkipsFailedTransactions(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.processor.Process(context.Background(), []Transaction{
		{
			Signature:        "failed",
			TransactionError: json.RawMessage(`{"InstructionError":[0,"Custom"]}`),
			Instructions: []Instruction{
				f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 1}, newKey(), newKey()),
			},
		},
		{Signature: "ok", TransactionError: json.RawMessage(`null`)},
		{Signature: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, res.VolumeData)
}

func TestProcess_DuplicateDeliveryIsIdempotent(t *testing.T) {
	for _, withSeen := range []bool{true, false} {
		f := newFixture(t, withSeen)
		pool := newKey()
		txs := []Transaction{{
			Signature: "dup",
			Timestamp: testNow.Unix(),
			Instructions: []Instruction{
				f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 1_000_000_000}, newKey(), pool),
			},
		}}

		first, err := f.processor.Process(context.Background(), txs)
		require.NoError(t, err)
		second, err := f.processor.Process(context.Background(), txs)
		require.NoError(t, err)

		assert.Len(t, first.VolumeData, 1)
		assert.Empty(t, second.VolumeData)
		assert.Equal(t, 1, f.aggregator.GetPoolMetrics(pool).Transactions24h)
		if withSeen {
			assert.Equal(t, 1, second.Duplicates)
			seen, err := f.processor.Seen(context.Background(), "dup")
			require.NoError(t, err)
			assert.True(t, seen)
		}
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.processor.Process(ctx, []Transaction{{Signature: "x"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func systemTransfer(from, to string, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[:4], SystemTransferVariant)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return Instruction{
		ProgramID: solana.SystemProgramID.String(),
		Accounts:  []string{from, to},
		Data:      base58.Encode(data),
	}
}

func TestProcess_AttributesPaymentsPerTrade(t *testing.T) {
	f := newFixture(t, false)
	pool, mint, buyer := newKey(), newKey(), newKey()
	escrow := f.escrow(t, pool)
	buy := func(maxPrice uint64) Instruction {
		return f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: maxPrice}, buyer, pool, mint, newKey(), escrow)
	}

	// paired in order with the transfers of the transaction
	flat := buy(9_000_000_000)
	second := buy(9_000_000_000)
	// each buy pays through its own CPI, listed in reverse in the transfers
	withCPI := buy(9_000_000_000)
	withCPI.InnerInstructions = []Instruction{systemTransfer(buyer, escrow, 2_000_000_000)}
	otherCPI := buy(9_000_000_000)
	otherCPI.InnerInstructions = []Instruction{systemTransfer(buyer, escrow, 500_000_000)}

	sellA := f.ix(t, program.InstructionSellNft, program.SellNftArgs{MinPrice: 1}, buyer, pool, mint, newKey(), escrow)
	sellB := f.ix(t, program.InstructionSellNft, program.SellNftArgs{MinPrice: 1}, buyer, pool, mint, newKey(), escrow)

	res, err := f.processor.Process(context.Background(), []Transaction{
		{
			Signature:    "batch",
			Timestamp:    testNow.Unix() - 20,
			Instructions: []Instruction{flat, second},
			NativeTransfers: []NativeTransfer{
				{FromUserAccount: buyer, ToUserAccount: escrow, Amount: 1_000_000_000},
				{FromUserAccount: buyer, ToUserAccount: escrow, Amount: 2_000_000_000},
			},
		},
		{
			Signature:    "cpi",
			Timestamp:    testNow.Unix() - 10,
			Instructions: []Instruction{withCPI, otherCPI},
			NativeTransfers: []NativeTransfer{
				{FromUserAccount: buyer, ToUserAccount: escrow, Amount: 500_000_000},
				{FromUserAccount: buyer, ToUserAccount: escrow, Amount: 2_000_000_000},
			},
		},
		{
			Signature:    "sells",
			Timestamp:    testNow.Unix(),
			Instructions: []Instruction{sellA, sellB},
			AccountData:  []AccountData{{Account: escrow, NativeBalanceChange: -3_000_000_001}},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.VolumeData, 6)

	var got []uint64
	for _, vt := range res.VolumeData {
		got = append(got, vt.AmountLamports)
	}
	assert.Equal(t, []uint64{
		1_000_000_000, 2_000_000_000,
		2_000_000_000, 500_000_000,
		1_500_000_000, 1_500_000_001,
	}, got)

	m := f.aggregator.GetPoolMetrics(pool)
	assert.Equal(t, 6, m.Transactions24h)
	assert.InDelta(t, 8.500000001, m.Volume24h, 1e-6)
}

// cancellingSeenSet cancels the delivery while marking one signature.
type cancellingSeenSet struct {
	cache.SeenSet
	sig    string
	cancel context.CancelFunc
}

func (s *cancellingSeenSet) MarkSeen(ctx context.Context, sig string) (bool, error) {
	if sig == s.sig {
		s.cancel()
	}
	return s.SeenSet.MarkSeen(ctx, sig)
}

func TestProcess_InterruptedDeliveryIsRolledBack(t *testing.T) {
	f := newFixture(t, false)
	dec, err := program.NewDecoder(f.programID)
	require.NoError(t, err)
	seen := cache.NewMemorySeenSet(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	p := NewProcessor(Options{
		Decoder:    dec,
		Aggregator: f.aggregator,
		Seen:       &cancellingSeenSet{SeenSet: seen, sig: "tx2", cancel: cancel},
		Logger:     f.processor.log,
	})
	p.now = f.processor.now

	creator, traded := newKey(), newKey()
	var txs []Transaction
	for _, sig := range []string{"tx1", "tx2", "tx3"} {
		txs = append(txs, Transaction{
			Signature: sig,
			Timestamp: testNow.Unix(),
			Instructions: []Instruction{
				f.ix(t, program.InstructionCreatePool, program.CreatePoolArgs{BasePrice: 1}, creator, newKey(), newKey()),
				f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 1_000_000_000}, newKey(), traded),
			},
		})
	}

	res, err := p.Process(ctx, txs)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Zero(t, seen.Len())
	assert.Zero(t, f.aggregator.GetPoolMetrics(traded).Transactions24h)

	res, err = p.Process(context.Background(), txs)
	require.NoError(t, err)
	assert.Len(t, res.NewPools, 3)
	assert.Len(t, res.VolumeData, 3)
	assert.Zero(t, res.Duplicates)
}

func TestProcess_RollbackAllowsRedelivery(t *testing.T) {
	f := newFixture(t, true)
	pool := newKey()
	txs := []Transaction{{
		Signature: "unpublished",
		Timestamp: testNow.Unix(),
		Instructions: []Instruction{
			f.ix(t, program.InstructionBuyNft, program.BuyNftArgs{MaxPrice: 1_000_000_000}, newKey(), pool),
		},
	}}

	res, err := f.processor.Process(context.Background(), txs)
	require.NoError(t, err)
	require.Len(t, res.VolumeData, 1)

	f.processor.Rollback(context.Background(), res)
	seen, err := f.processor.Seen(context.Background(), "unpublished")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Zero(t, f.aggregator.GetPoolMetrics(pool).Transactions24h)

	again, err := f.processor.Process(context.Background(), txs)
	require.NoError(t, err)
	assert.Len(t, again.VolumeData, 1)
	assert.Equal(t, 1, f.aggregator.GetPoolMetrics(pool).Transactions24h)
}

func TestPublish_Empty(t *testing.T) {
	b := &recordingBroadcaster{}
	n, err := Publish(b, &Result{}, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = Publish(b, nil, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, b.types())
}
