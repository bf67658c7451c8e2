package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/domain"
	"bonding-curve-feed/internal/livefeed"
	"bonding-curve-feed/internal/program"
)

var (
	// ErrInvalidAddress is returned for a string that is not a base58 public key.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrPoolNotFound is returned for a valid address the store has no record of.
	ErrPoolNotFound = errors.New("pool not found")
)

// Display fallbacks.
const (
	InvalidAddressLabel = "Invalid address"
	PriceUnavailable    = "Price N/A"
)

type supplyEvent struct {
	ts    int64
	delta int64
}

type poolState struct {
	record *domain.PoolRecord
	read   bool

	metrics       Timestamped[domain.PoolMetrics]
	pulledSupply  Timestamped[uint64]
	escrow        Timestamped[uint64]
	active        Timestamped[bool]
	supplyEvents  []supplyEvent
	countedTrades mapset.Set[string]
}

func newPoolState() *poolState {
	return &poolState{countedTrades: mapset.NewThreadUnsafeSet[string]()}
}

// estimatedSupply starts from the pulled supply and adds push events observed after
// the pull; without a pull it is the count of push events.
func (p *poolState) estimatedSupply() (uint64, bool) {
	var base int64
	var since int64
	known := false
	if p.pulledSupply.Set {
		base = int64(p.pulledSupply.Value)
		since = p.pulledSupply.UpdatedAt
		known = true
	}
	for _, ev := range p.supplyEvents {
		if ev.ts > since {
			base += ev.delta
			known = true
		}
	}
	if base < 0 {
		base = 0
	}
	return uint64(base), known
}

// Store is the client-side canonical view of pools and collections.
type Store struct {
	log *logrus.Entry
	now func() time.Time

	mu          sync.RWMutex
	pools       map[string]*poolState
	collections map[string]domain.CollectionRecord
	trending    []domain.TrendingEntry
	onUnknown   func(pool string)
}

// NewStore creates an empty Store.
func NewStore(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		log:         log,
		now:         time.Now,
		pools:       make(map[string]*poolState),
		collections: make(map[string]domain.CollectionRecord),
	}
}

// OnUnknownPool sets a callback invoked, outside the store lock, when a push event
// references a pool without a record.
func (s *Store) OnUnknownPool(fn func(pool string)) {
	s.mu.Lock()
	s.onUnknown = fn
	s.mu.Unlock()
}

// ApplyEvent merges one live feed event.
func (s *Store) ApplyEvent(ev livefeed.Event) error {
	var unknown []string

	switch ev.Type {
	case livefeed.EventConnection, livefeed.EventHeartbeat:
		return nil

	case livefeed.EventNewCollections:
		var cols []domain.CollectionRecord
		if err := ev.Decode(&cols); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		s.mu.Lock()
		for _, c := range cols {
			if prev, ok := s.collections[c.CollectionMint]; ok && prev.CreatedAt <= c.CreatedAt {
				continue
			}
			s.collections[c.CollectionMint] = c
		}
		s.rankLocked()
		s.mu.Unlock()

	case livefeed.EventNewPools:
		var pools []domain.PoolRecord
		if err := ev.Decode(&pools); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		s.mu.Lock()
		for i := range pools {
			st := s.poolLocked(pools[i].PoolAddress)
			if st.record == nil || st.record.Signature == "" {
				rec := pools[i]
				st.record = &rec
			}
		}
		s.rankLocked()
		s.mu.Unlock()

	case livefeed.EventNewTransaction:
		var tx domain.VolumeTransaction
		if err := ev.Decode(&tx); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		s.mu.Lock()
		st := s.poolLocked(tx.PoolAddress)
		if st.record == nil {
			unknown = append(unknown, tx.PoolAddress)
		}
		if delta := program.SupplyDelta(tx.Instruction); delta != 0 && st.countedTrades.Add(tx.Key()) {
			st.supplyEvents = append(st.supplyEvents, supplyEvent{ts: tx.Timestamp, delta: delta})
		}
		s.mu.Unlock()

	case livefeed.EventVolumeUpdate:
		var updates []domain.PoolVolumeUpdate
		if err := ev.Decode(&updates); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		s.mu.Lock()
		for _, u := range updates {
			st := s.poolLocked(u.PoolAddress)
			if st.record == nil {
				unknown = append(unknown, u.PoolAddress)
			}
			ts := u.UpdatedAt
			if ts == 0 {
				ts = ev.Timestamp
			}
			st.metrics.Apply(u.Metrics, ts)
		}
		s.rankLocked()
		s.mu.Unlock()

	default:
		s.log.WithField("event_type", ev.Type).Debug("ignoring event")
		return nil
	}

	s.notifyUnknown(unknown)
	return nil
}

func (s *Store) notifyUnknown(pools []string) {
	if len(pools) == 0 {
		return
	}
	s.mu.RLock()
	fn := s.onUnknown
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, p := range pools {
		fn(p)
	}
}

// ApplySnapshot merges a pull. Each field is written only if the snapshot is at least
// as new as the value held. It reports whether anything changed.
func (s *Store) ApplySnapshot(snap domain.PoolSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.poolLocked(snap.PoolAddress)
	changed := false
	if st.record == nil {
		st.record = &domain.PoolRecord{
			PoolAddress:    snap.PoolAddress,
			CollectionMint: snap.CollectionMint,
			Creator:        snap.Creator,
			Escrow:         snap.Escrow,
			BasePrice:      snap.BasePrice,
			GrowthFactor:   snap.GrowthFactor,
			CreatedAt:      snap.CreatedAt,
		}
		changed = true
	}

	ts := snap.ObservedAt
	if st.pulledSupply.Apply(snap.CurrentSupply, ts) {
		changed = true
		// events at or before the pull are already reflected in its supply
		kept := st.supplyEvents[:0]
		for _, ev := range st.supplyEvents {
			if ev.ts > ts {
				kept = append(kept, ev)
			}
		}
		st.supplyEvents = kept
	}
	if st.escrow.Apply(snap.EscrowLamports, ts) {
		changed = true
	}
	if st.active.Apply(snap.IsActive, ts) {
		changed = true
	}
	if changed {
		s.rankLocked()
	}
	return changed
}

func (s *Store) poolLocked(addr string) *poolState {
	st, ok := s.pools[addr]
	if !ok {
		st = newPoolState()
		s.pools[addr] = st
	}
	return st
}

// Pools returns the addresses of every pool the store tracks, sorted.
func (s *Store) Pools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pools))
	for addr := range s.pools {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// PoolView is the rendered state of one pool.
type PoolView struct {
	Address         string                   `json:"address"`
	DisplayName     string                   `json:"displayName"`
	Record          *domain.PoolRecord       `json:"record,omitempty"`
	Collection      *domain.CollectionRecord `json:"collection,omitempty"`
	Verified        bool                     `json:"verified"`
	CollectionFound bool                     `json:"collectionFound"`
	IsNew           bool                     `json:"isNew"`
	Supply          uint64                   `json:"supply"`
	SupplyKnown     bool                     `json:"supplyKnown"`
	EscrowSOL       decimal.Decimal          `json:"escrowSol"`
	EscrowKnown     bool                     `json:"escrowKnown"`
	Active          *bool                    `json:"active,omitempty"`
	Price           decimal.Decimal          `json:"price"` // SOL
	PriceKnown      bool                     `json:"priceKnown"`
	Metrics         domain.PoolMetrics       `json:"metrics"`
}

// PriceLabel renders the current price or the unavailable placeholder.
func (v PoolView) PriceLabel() string {
	if !v.PriceKnown {
		return PriceUnavailable
	}
	return v.Price.StringFixed(4) + " SOL"
}

// Pool returns the view of addr. The first read clears the pool's IsNew flag.
func (s *Store) Pool(addr string) (PoolView, error) {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return PoolView{Address: addr, DisplayName: InvalidAddressLabel}, ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.pools[addr]
	if !ok {
		return PoolView{Address: addr, DisplayName: placeholderName(addr)}, ErrPoolNotFound
	}
	view := s.viewLocked(addr, st)
	st.read = true
	return view, nil
}

func (s *Store) viewLocked(addr string, st *poolState) PoolView {
	view := PoolView{Address: addr, Metrics: st.metrics.Value}

	mint := addr
	if st.record != nil {
		rec := *st.record
		view.Record = &rec
		view.IsNew = rec.IsNew && !st.read
		if rec.CollectionMint != "" {
			mint = rec.CollectionMint
		}
		if c, ok := s.collections[rec.CollectionMint]; ok {
			col := c
			view.Collection = &col
			view.CollectionFound = true
			view.Verified = rec.Verified || c.CreatedAt <= rec.CreatedAt
		} else {
			view.Verified = rec.Verified
		}
	}
	view.DisplayName = placeholderName(mint)
	if view.Collection != nil && view.Collection.Name != "" {
		view.DisplayName = view.Collection.Name
	}

	view.Supply, view.SupplyKnown = st.estimatedSupply()
	if st.escrow.Set {
		view.EscrowSOL = program.LamportsToSOL(st.escrow.Value)
		view.EscrowKnown = true
	}
	if st.active.Set {
		active := st.active.Value
		view.Active = &active
	}
	if st.record != nil && st.record.BasePrice > 0 {
		lamports := program.CurvePrice(st.record.BasePrice, st.record.GrowthFactor, view.Supply)
		view.Price = lamports.Shift(-9)
		view.PriceKnown = true
	}
	return view
}

// placeholderName is shown for pools whose collection has not been observed.
func placeholderName(mint string) string {
	if len(mint) <= 8 {
		return "Collection " + mint
	}
	return "Collection " + mint[:4] + "…" + mint[len(mint)-4:]
}

// Trending returns up to limit ranked entries; limit <= 0 returns all.
func (s *Store) Trending(limit int) []domain.TrendingEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.trending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.TrendingEntry, n)
	copy(out, s.trending[:n])
	return out
}

// Rerank recomputes scores against the current time.
func (s *Store) Rerank() {
	s.mu.Lock()
	s.rankLocked()
	s.mu.Unlock()
}

// rankLocked rebuilds the trending slice from every pool with a record.
func (s *Store) rankLocked() {
	now := s.now().UnixMilli()
	entries := make([]domain.TrendingEntry, 0, len(s.pools))
	for _, st := range s.pools {
		if st.record == nil {
			continue
		}
		e := domain.TrendingEntry{
			Pool:    *st.record,
			Metrics: st.metrics.Value,
			Score:   TrendingScore(st.metrics.Value, now-st.record.CreatedAt),
		}
		if c, ok := s.collections[st.record.CollectionMint]; ok {
			col := c
			e.Collection = &col
		}
		entries = append(entries, e)
	}
	rank(entries)
	s.trending = entries
}
