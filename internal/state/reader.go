package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bonding-curve-feed/internal/cache"
	"bonding-curve-feed/internal/dedupe"
	"bonding-curve-feed/internal/domain"
	"bonding-curve-feed/internal/observability"
	"bonding-curve-feed/internal/program"
	"bonding-curve-feed/internal/rpcqueue"
	rpc "bonding-curve-feed/internal/solana"
)

// AccountReader pulls authoritative pool state.
type AccountReader interface {
	ReadPool(ctx context.Context, pool string) (domain.PoolSnapshot, error)
}

// ReaderOptions configures an RPCAccountReader.
type ReaderOptions struct {
	Client    rpc.RPCClient
	Scheduler *rpcqueue.Scheduler
	ProgramID string

	DedupeTTL  time.Duration
	BatchSize  int
	BatchDelay time.Duration

	// Cache holds snapshots shared across instances. Nil disables it.
	Cache  *cache.Cache[domain.PoolSnapshot]
	Logger *logrus.Entry
}

// RPCAccountReader reads pool accounts through a Deduplicator, an optional shared
// cache and a Batcher of getMultipleAccounts calls submitted to the RPC scheduler.
type RPCAccountReader struct {
	client    rpc.RPCClient
	sched     *rpcqueue.Scheduler
	programID solana.PublicKey
	dedupe    *dedupe.Deduplicator[domain.PoolSnapshot]
	batcher   *dedupe.Batcher[string, *rpc.AccountInfo]
	cache     *cache.Cache[domain.PoolSnapshot]
	log       *logrus.Entry
	now       func() time.Time

	cancel context.CancelFunc
}

var _ AccountReader = (*RPCAccountReader)(nil)

// NewRPCAccountReader creates a reader. Close releases its batcher.
func NewRPCAccountReader(opts ReaderOptions) (*RPCAccountReader, error) {
	programID, err := solana.PublicKeyFromBase58(opts.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 5 * time.Second
	}
	if opts.BatchSize <= 0 || opts.BatchSize > rpc.MaxAccountsPerRequest {
		opts.BatchSize = rpc.MaxAccountsPerRequest
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = 50 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RPCAccountReader{
		client:    opts.Client,
		sched:     opts.Scheduler,
		programID: programID,
		dedupe:    dedupe.NewDeduplicator[domain.PoolSnapshot](opts.DedupeTTL),
		cache:     opts.Cache,
		log:       log,
		now:       time.Now,
		cancel:    cancel,
	}
	r.batcher = dedupe.NewBatcher(ctx, opts.BatchSize, opts.BatchDelay, r.fetchAccounts)
	return r, nil
}

// Close stops pending batches.
func (r *RPCAccountReader) Close() {
	r.batcher.Close()
	r.cancel()
}

// ReadPool returns the pool account and its escrow balance.
func (r *RPCAccountReader) ReadPool(ctx context.Context, pool string) (domain.PoolSnapshot, error) {
	poolKey, err := solana.PublicKeyFromBase58(pool)
	if err != nil {
		return domain.PoolSnapshot{}, ErrInvalidAddress
	}
	return r.dedupe.Do(ctx, pool, func(ctx context.Context) (domain.PoolSnapshot, error) {
		return r.load(ctx, poolKey)
	})
}

func (r *RPCAccountReader) load(ctx context.Context, poolKey solana.PublicKey) (domain.PoolSnapshot, error) {
	pool := poolKey.String()

	if r.cache != nil {
		snap, err := r.cache.Get(ctx, pool)
		if err == nil {
			observability.RecordPoolPull("cache")
			return snap, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			r.log.WithError(err).WithField("pool", pool).Warn("snapshot cache read")
		}
	}

	escrowKey, err := program.EscrowAddress(r.programID, poolKey)
	if err != nil {
		return domain.PoolSnapshot{}, err
	}
	observedAt := r.now().UnixMilli()

	// both keys join the same pending batch
	var poolInfo, escrowInfo *rpc.AccountInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		poolInfo, err = r.batcher.Load(gctx, pool)
		return err
	})
	g.Go(func() error {
		info, err := r.batcher.Load(gctx, escrowKey.String())
		if errors.Is(err, dedupe.ErrNotFound) {
			return nil
		}
		escrowInfo = info
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, dedupe.ErrNotFound) {
			observability.RecordPoolPull("not_found")
			return domain.PoolSnapshot{}, fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
		}
		observability.RecordPoolPull("error")
		return domain.PoolSnapshot{}, err
	}

	data, err := poolInfo.Bytes()
	if err != nil {
		observability.RecordPoolPull("error")
		return domain.PoolSnapshot{}, fmt.Errorf("pool %s data: %w", pool, err)
	}
	acct, err := program.DecodePoolAccount(data)
	if err != nil {
		observability.RecordPoolPull("error")
		return domain.PoolSnapshot{}, fmt.Errorf("pool %s: %w", pool, err)
	}

	snap := domain.PoolSnapshot{
		PoolAddress:    pool,
		CollectionMint: acct.CollectionMint.String(),
		Creator:        acct.Creator.String(),
		Escrow:         escrowKey.String(),
		BasePrice:      acct.BasePrice,
		GrowthFactor:   acct.GrowthFactor,
		CurrentSupply:  acct.CurrentSupply,
		IsActive:       acct.IsActive,
		CreatedAt:      acct.CreatedAt * 1000,
		ObservedAt:     observedAt,
	}
	if escrowInfo != nil {
		snap.EscrowLamports = escrowInfo.Lamports
	}
	observability.RecordPoolPull("rpc")

	if r.cache != nil {
		if err := r.cache.Set(ctx, pool, snap); err != nil {
			r.log.WithError(err).WithField("pool", pool).Warn("snapshot cache write")
		}
	}
	return snap, nil
}

// fetchAccounts is the batch function: one getMultipleAccounts call through the scheduler.
func (r *RPCAccountReader) fetchAccounts(ctx context.Context, keys []string) (map[string]*rpc.AccountInfo, error) {
	infos, err := rpcqueue.Do(ctx, r.sched, "getMultipleAccounts", func(ctx context.Context) ([]*rpc.AccountInfo, error) {
		return r.client.GetMultipleAccounts(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*rpc.AccountInfo, len(keys))
	for i, info := range infos {
		if i < len(keys) && info != nil {
			out[keys[i]] = info
		}
	}
	return out, nil
}
