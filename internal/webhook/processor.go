package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/cache"
	"bonding-curve-feed/internal/domain"
	"bonding-curve-feed/internal/observability"
	"bonding-curve-feed/internal/program"
	"bonding-curve-feed/internal/volume"
)

// Result is the outcome of processing one delivery.
type Result struct {
	HasCollectionEvents bool                       `json:"hasCollectionEvents"`
	NewPools            []domain.PoolRecord        `json:"newPools"`
	NewCollections      []domain.CollectionRecord  `json:"newCollections"`
	VolumeData          []domain.VolumeTransaction `json:"volumeData"`
	VolumeUpdates       []domain.PoolVolumeUpdate  `json:"volumeUpdates"`

	Processed  int `json:"processed"`  // transactions processed
	Duplicates int `json:"duplicates"` // transactions skipped as already seen
	Failed     int `json:"failed"`     // transactions skipped for an execution error

	// marked are the signatures this delivery added to the seen set.
	marked []string
}

// Options configures a Processor.
type Options struct {
	Decoder    *program.Decoder
	Aggregator *volume.Aggregator
	// Seen skips transactions already processed. Nil disables the check.
	Seen   cache.SeenSet
	Logger *logrus.Entry
}

// Processor decodes transactions of the marketplace program into domain events.
type Processor struct {
	decoder    *program.Decoder
	programID  string
	aggregator *volume.Aggregator
	seen       cache.SeenSet
	log        *logrus.Entry
	now        func() time.Time

	mu          sync.RWMutex
	collections map[string]domain.CollectionRecord
}

// NewProcessor creates a Processor.
func NewProcessor(opts Options) *Processor {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		decoder:     opts.Decoder,
		programID:   opts.Decoder.ProgramID().String(),
		aggregator:  opts.Aggregator,
		seen:        opts.Seen,
		log:         log,
		now:         time.Now,
		collections: make(map[string]domain.CollectionRecord),
	}
}

// Collection returns a collection observed by the processor.
func (p *Processor) Collection(mint string) (domain.CollectionRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.collections[mint]
	return c, ok
}

// Seen reports whether sig was already processed.
func (p *Processor) Seen(ctx context.Context, sig string) (bool, error) {
	if p.seen == nil {
		return false, nil
	}
	return p.seen.Seen(ctx, sig)
}

// Process handles every transaction of a delivery. A bad instruction is skipped
// without affecting its siblings; only context cancellation fails the call, in
// which case the delivery is rolled back so a redelivery is processed again.
func (p *Processor) Process(ctx context.Context, txs []Transaction) (*Result, error) {
	res := &Result{
		NewPools:       []domain.PoolRecord{},
		NewCollections: []domain.CollectionRecord{},
		VolumeData:     []domain.VolumeTransaction{},
		VolumeUpdates:  []domain.PoolVolumeUpdate{},
	}
	touched := make(map[string]struct{})

	for i := range txs {
		if err := ctx.Err(); err != nil {
			p.Rollback(ctx, res)
			return nil, err
		}
		tx := &txs[i]
		log := p.log.WithField("signature", tx.Signature)

		if tx.Signature == "" {
			log.Warn("skip transaction without signature")
			observability.RecordInstructionSkipped("no_signature")
			continue
		}
		if tx.Failed() {
			res.Failed++
			observability.RecordInstructionSkipped("failed_transaction")
			continue
		}
		if !p.markSeen(ctx, tx.Signature, res, log) {
			res.Duplicates++
			observability.RecordDuplicateTransaction()
			continue
		}

		p.processTransaction(tx, res, touched, log)
		res.Processed++
	}

	res.HasCollectionEvents = len(res.NewCollections) > 0
	res.VolumeUpdates = p.volumeUpdates(touched)
	return res, nil
}

// Rollback undoes the seen-set marks and aggregated trades of a delivery that
// could not be completed or published.
func (p *Processor) Rollback(ctx context.Context, res *Result) {
	if res == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if p.seen != nil {
		for _, sig := range res.marked {
			if err := p.seen.Forget(ctx, sig); err != nil {
				p.log.WithError(err).WithField("signature", sig).Warn("forget signature")
			}
		}
	}
	if p.aggregator != nil {
		p.aggregator.Remove(res.VolumeData...)
	}
	res.marked = nil
}

// markSeen reports whether sig is new. A seen-set failure lets the transaction
// through: the aggregator still dedupes trades by signature and instruction index.
func (p *Processor) markSeen(ctx context.Context, sig string, res *Result, log *logrus.Entry) bool {
	if p.seen == nil {
		return true
	}
	first, err := p.seen.MarkSeen(ctx, sig)
	if err != nil {
		log.WithError(err).Warn("seen set unavailable")
		return true
	}
	if first {
		res.marked = append(res.marked, sig)
	}
	return first
}

// processTransaction walks top-level instructions followed by their inner
// instructions. The flattened position is the instruction index. Trades are
// collected first so payments can be attributed across the whole transaction.
func (p *Processor) processTransaction(tx *Transaction, res *Result, touched map[string]struct{}, log *logrus.Entry) {
	ts := tx.TimestampMillis(p.now())
	var trades []*pendingTrade
	index := 0
	for i := range tx.Instructions {
		outer := &tx.Instructions[i]
		if t := p.processInstruction(tx, outer, outer.InnerInstructions, index, ts, res, log); t != nil {
			trades = append(trades, t)
		}
		index++
		for j := range outer.InnerInstructions {
			if t := p.processInstruction(tx, &outer.InnerInstructions[j], nil, index, ts, res, log); t != nil {
				trades = append(trades, t)
			}
			index++
		}
	}
	if len(trades) == 0 {
		return
	}

	attributeAmounts(tx, trades)
	for _, t := range trades {
		t.vt.Amount, _ = program.LamportsToSOL(t.vt.AmountLamports).Float64()
		if p.aggregator != nil && !p.aggregator.Append(t.vt) {
			observability.RecordInstructionSkipped("duplicate_trade")
			continue
		}
		observability.RecordVolumeEvent()
		res.VolumeData = append(res.VolumeData, t.vt)
		touched[t.vt.PoolAddress] = struct{}{}
	}
}

// processInstruction records pool and collection events and returns trades for
// amount attribution. cpis are the inner instructions of a top-level instruction.
func (p *Processor) processInstruction(tx *Transaction, in *Instruction, cpis []Instruction, index int, ts int64, res *Result, log *logrus.Entry) (trade *pendingTrade) {
	if in.ProgramID != p.programID {
		return nil
	}
	log = log.WithField("instruction_index", index)

	defer func() {
		if r := recover(); r != nil {
			observability.RecordInstructionSkipped("panic")
			log.WithField("panic", r).Error("instruction handler panicked")
			trade = nil
		}
	}()

	ix, err := p.decoder.DecodeBase58(in.Data, in.Accounts)
	if err != nil {
		var decErr *program.DecodeError
		switch {
		case errors.Is(err, program.ErrUnknownInstruction):
			observability.RecordInstructionSkipped("unknown")
			log.Debug("unknown instruction")
		case errors.As(err, &decErr):
			observability.RecordInstructionSkipped("decode_error")
			log.WithError(err).Warn("skip instruction")
		default:
			observability.RecordInstructionSkipped("error")
			log.WithError(err).Warn("skip instruction")
		}
		return nil
	}
	observability.RecordInstructionDecoded(ix.Name)

	switch ix.Name {
	case program.InstructionCreateCollectionNft:
		args := ix.Args.(*program.CreateCollectionNftArgs)
		c := domain.CollectionRecord{
			CollectionMint: ix.Account(program.AccountCollectionMint),
			Name:           args.Name,
			Symbol:         args.Symbol,
			URI:            args.URI,
			Creator:        ix.Account(program.AccountCreator),
			CreatedAt:      ts,
			Signature:      tx.Signature,
		}
		p.rememberCollection(c)
		res.NewCollections = append(res.NewCollections, c)

	case program.InstructionCreatePool:
		args := ix.Args.(*program.CreatePoolArgs)
		pool := domain.PoolRecord{
			PoolAddress:    ix.Account(program.AccountPool),
			CollectionMint: ix.Account(program.AccountCollectionMint),
			Creator:        ix.Account(program.AccountCreator),
			Escrow:         ix.Account(program.AccountEscrow),
			BasePrice:      args.BasePrice,
			GrowthFactor:   args.GrowthFactor,
			CreatedAt:      ts,
			Signature:      tx.Signature,
			IsNew:          true,
		}
		pool.Verified = p.verified(pool.CollectionMint, ts)
		res.NewPools = append(res.NewPools, pool)

	default:
		if !program.IsTrade(ix.Name) {
			return nil
		}
		t, err := p.trade(tx, ix, index, ts)
		if err != nil {
			observability.RecordInstructionSkipped("trade_error")
			log.WithError(err).Warn("skip trade")
			return nil
		}
		t.cpis = cpis
		return t
	}
	return nil
}

func (p *Processor) rememberCollection(c domain.CollectionRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.collections[c.CollectionMint]; ok && prev.CreatedAt <= c.CreatedAt {
		return
	}
	p.collections[c.CollectionMint] = c
}

// verified reports whether the collection was observed at or before ts.
func (p *Processor) verified(mint string, ts int64) bool {
	c, ok := p.Collection(mint)
	return ok && c.CreatedAt <= ts
}

// trade builds a VolumeTransaction without its amount, along with the payment
// direction between trader and escrow.
func (p *Processor) trade(tx *Transaction, ix *domain.DecodedInstruction, index int, ts int64) (*pendingTrade, error) {
	pool := ix.Account(program.AccountPool)
	if pool == "" {
		return nil, fmt.Errorf("%s without pool account", ix.Name)
	}
	escrow := ix.Account(program.AccountEscrow)
	if escrow == "" {
		derived, err := p.decoder.Escrow(pool)
		if err != nil {
			return nil, err
		}
		escrow = derived
	}

	t := &pendingTrade{
		escrow: escrow,
		vt: domain.VolumeTransaction{
			PoolAddress:      pool,
			Timestamp:        ts,
			Signature:        tx.Signature,
			InstructionIndex: index,
			Instruction:      ix.Name,
			CollectionMint:   ix.Account(program.AccountCollectionMint),
			NFTMint:          ix.Account(program.AccountNFTMint),
		},
	}

	switch ix.Name {
	case program.InstructionSellNft:
		t.vt.Type = domain.TradeSell
		t.vt.Trader = ix.Account(program.AccountSeller)
		t.from, t.to = escrow, t.vt.Trader
		t.fallback = ix.Args.(*program.SellNftArgs).MinPrice
	default:
		t.vt.Type = domain.TradeBuy
		t.buy = true
		if ix.Name == program.InstructionMintNft {
			t.vt.Trader = ix.Account(program.AccountMinter)
		} else {
			t.vt.Trader = ix.Account(program.AccountBuyer)
		}
		t.from, t.to = t.vt.Trader, escrow
		if args, ok := ix.Args.(*program.BuyNftArgs); ok {
			t.fallback = args.MaxPrice
		}
	}
	return t, nil
}

func (p *Processor) volumeUpdates(touched map[string]struct{}) []domain.PoolVolumeUpdate {
	updates := make([]domain.PoolVolumeUpdate, 0, len(touched))
	if p.aggregator == nil {
		return updates
	}
	now := p.now().UnixMilli()
	for pool := range touched {
		updates = append(updates, domain.PoolVolumeUpdate{
			PoolAddress: pool,
			Metrics:     p.aggregator.GetPoolMetrics(pool),
			UpdatedAt:   now,
		})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].PoolAddress < updates[j].PoolAddress })
	return updates
}
