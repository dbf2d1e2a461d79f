// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/revenue-engine/revenue"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var (
	_ revenue.Store         = (*Memory)(nil)
	_ revenue.CourseCatalog = (*Memory)(nil)
	_ revenue.CourseWriter  = (*Memory)(nil)
)

// Memory keeps everything in maps behind one lock. Units are serialized;
// a failed unit is rolled back by restoring a snapshot.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	wallets     map[revenue.OwnerID]revenue.Wallet
	entries     map[revenue.OwnerID][]revenue.WalletTransaction
	idempotency map[string]bool

	conversions map[revenue.ConversionID]revenue.Conversion
	convByKey   map[convKey]revenue.ConversionID
	convByAff   map[revenue.OwnerID][]revenue.ConversionID

	payouts     map[revenue.PayoutID]revenue.Payout
	payoutOrder []revenue.PayoutID

	courses map[revenue.CourseID]revenue.Course
}

type convKey struct {
	Affiliate revenue.OwnerID
	Sale      revenue.SaleID
}

func NewMemory() *Memory {
	return &Memory{state: state{
		wallets:     make(map[revenue.OwnerID]revenue.Wallet),
		entries:     make(map[revenue.OwnerID][]revenue.WalletTransaction),
		idempotency: make(map[string]bool),
		conversions: make(map[revenue.ConversionID]revenue.Conversion),
		convByKey:   make(map[convKey]revenue.ConversionID),
		convByAff:   make(map[revenue.OwnerID][]revenue.ConversionID),
		payouts:     make(map[revenue.PayoutID]revenue.Payout),
		courses:     make(map[revenue.CourseID]revenue.Course),
	}}
}

// =============================================================================
// READ SIDE
// =============================================================================

func (m *Memory) FindByOwner(_ context.Context, owner revenue.OwnerID) (*revenue.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[owner]
	if !ok {
		return nil, revenue.ErrWalletNotFound
	}
	return &w, nil
}

func (m *Memory) Wallets(_ context.Context) ([]revenue.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]revenue.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Owner < result[j].Owner })
	return result, nil
}

func (m *Memory) Transactions(_ context.Context, owner revenue.OwnerID) ([]revenue.WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]revenue.WalletTransaction, len(m.entries[owner]))
	copy(result, m.entries[owner])
	return result, nil
}

func (m *Memory) FindConversion(_ context.Context, affiliate revenue.OwnerID, sale revenue.SaleID) (*revenue.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.convByKey[convKey{Affiliate: affiliate, Sale: sale}]
	if !ok {
		return nil, revenue.ErrConversionNotFound
	}
	c := m.conversions[id]
	return &c, nil
}

func (m *Memory) FindConversionByID(_ context.Context, id revenue.ConversionID) (*revenue.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversion(id)
}

func (m *Memory) ConversionsByAffiliate(_ context.Context, affiliate revenue.OwnerID) ([]revenue.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.affiliateConversions(affiliate), nil
}

func (m *Memory) FindPayout(_ context.Context, id revenue.PayoutID) (*revenue.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payout(id)
}

func (m *Memory) PayoutsByOwner(_ context.Context, owner revenue.OwnerID) ([]revenue.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []revenue.Payout
	for i := len(m.payoutOrder) - 1; i >= 0; i-- {
		p := m.payouts[m.payoutOrder[i]]
		if p.Owner == owner {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *Memory) PendingPayouts(_ context.Context) ([]revenue.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []revenue.Payout
	for _, id := range m.payoutOrder {
		if p := m.payouts[id]; p.Status == revenue.PayoutPending {
			result = append(result, p)
		}
	}
	return result, nil
}

// =============================================================================
// COURSE CATALOG
// =============================================================================

func (m *Memory) Course(_ context.Context, id revenue.CourseID) (*revenue.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, revenue.ErrCourseNotFound
	}
	return &c, nil
}

func (m *Memory) SaveCourse(_ context.Context, c revenue.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(revenue.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := state{
		wallets:     make(map[revenue.OwnerID]revenue.Wallet, len(s.wallets)),
		entries:     make(map[revenue.OwnerID][]revenue.WalletTransaction, len(s.entries)),
		idempotency: make(map[string]bool, len(s.idempotency)),
		conversions: make(map[revenue.ConversionID]revenue.Conversion, len(s.conversions)),
		convByKey:   make(map[convKey]revenue.ConversionID, len(s.convByKey)),
		convByAff:   make(map[revenue.OwnerID][]revenue.ConversionID, len(s.convByAff)),
		payouts:     make(map[revenue.PayoutID]revenue.Payout, len(s.payouts)),
		payoutOrder: append([]revenue.PayoutID(nil), s.payoutOrder...),
		courses:     make(map[revenue.CourseID]revenue.Course, len(s.courses)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = append([]revenue.WalletTransaction(nil), v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.conversions {
		c.conversions[k] = v
	}
	for k, v := range s.convByKey {
		c.convByKey[k] = v
	}
	for k, v := range s.convByAff {
		c.convByAff[k] = append([]revenue.ConversionID(nil), v...)
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.courses {
		c.courses[k] = v
	}
	return c
}

func (s *state) conversion(id revenue.ConversionID) (*revenue.Conversion, error) {
	c, ok := s.conversions[id]
	if !ok {
		return nil, revenue.ErrConversionNotFound
	}
	return &c, nil
}

func (s *state) affiliateConversions(affiliate revenue.OwnerID) []revenue.Conversion {
	ids := s.convByAff[affiliate]
	result := make([]revenue.Conversion, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.conversions[id])
	}
	return result
}

func (s *state) payout(id revenue.PayoutID) (*revenue.Payout, error) {
	p, ok := s.payouts[id]
	if !ok {
		return nil, revenue.ErrPayoutNotFound
	}
	return &p, nil
}

// txView is the write side handed to fn. The parent lock is already held.
type txView struct {
	m *Memory
}

func (tv *txView) LockWallet(_ context.Context, owner revenue.OwnerID, create bool) (*revenue.Wallet, error) {
	w, ok := tv.m.wallets[owner]
	if !ok {
		if !create {
			return nil, revenue.ErrWalletNotFound
		}
		w = *revenue.NewWallet(owner, time.Now().UTC())
		tv.m.wallets[owner] = w
	}
	return &w, nil
}

func (tv *txView) SaveWallet(_ context.Context, w *revenue.Wallet) error {
	if _, ok := tv.m.wallets[w.Owner]; !ok {
		return revenue.ErrWalletNotFound
	}
	tv.m.wallets[w.Owner] = *w
	return nil
}

func (tv *txView) AppendTransaction(_ context.Context, t revenue.WalletTransaction) error {
	if t.IdempotencyKey != "" {
		if tv.m.idempotency[t.IdempotencyKey] {
			return revenue.ErrDuplicateIdempotencyKey
		}
		tv.m.idempotency[t.IdempotencyKey] = true
	}
	tv.m.entries[t.Owner] = append(tv.m.entries[t.Owner], t)
	return nil
}

func (tv *txView) InsertConversion(_ context.Context, c revenue.Conversion) error {
	k := convKey{Affiliate: c.AffiliateID, Sale: c.SaleID}
	if _, exists := tv.m.convByKey[k]; exists {
		return revenue.ErrDuplicateConversion
	}
	tv.m.conversions[c.ID] = c
	tv.m.convByKey[k] = c.ID
	tv.m.convByAff[c.AffiliateID] = append(tv.m.convByAff[c.AffiliateID], c.ID)
	return nil
}

func (tv *txView) GetConversion(_ context.Context, id revenue.ConversionID) (*revenue.Conversion, error) {
	return tv.m.conversion(id)
}

func (tv *txView) AffiliateConversions(_ context.Context, affiliate revenue.OwnerID) ([]revenue.Conversion, error) {
	return tv.m.affiliateConversions(affiliate), nil
}

func (tv *txView) MarkConversionPaid(_ context.Context, id revenue.ConversionID, at time.Time) error {
	c, ok := tv.m.conversions[id]
	if !ok {
		return revenue.ErrConversionNotFound
	}
	c.PaidOut = true
	c.PaidAt = &at
	tv.m.conversions[id] = c
	return nil
}

func (tv *txView) InsertPayout(_ context.Context, p revenue.Payout) error {
	tv.m.payouts[p.ID] = p
	tv.m.payoutOrder = append(tv.m.payoutOrder, p.ID)
	return nil
}

func (tv *txView) LockPayout(_ context.Context, id revenue.PayoutID) (*revenue.Payout, error) {
	return tv.m.payout(id)
}

func (tv *txView) UpdatePayout(_ context.Context, p revenue.Payout) error {
	if _, ok := tv.m.payouts[p.ID]; !ok {
		return revenue.ErrPayoutNotFound
	}
	tv.m.payouts[p.ID] = p
	return nil
}
