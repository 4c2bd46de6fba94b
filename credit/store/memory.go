// Package store provides in-process credit.Backend implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/creditguard/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credit.Backend. Every method holds the mutex for its
// whole duration, so CompareAndSwapOutstanding is a true compare-and-swap
// on (id, version).
type Memory struct {
	mu        sync.RWMutex
	customers map[credit.CustomerID]credit.Customer
	bills     map[credit.BillID]credit.Bill
	payments  map[paymentKey]credit.BillPayment
	audit     []credit.AuditEvent
	auditIDs  map[string]struct{}
	runs      map[string]credit.ReconciliationRun
	now       func() time.Time
}

type paymentKey struct {
	bill credit.BillID
	key  string
}

var _ credit.Backend = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{now: time.Now}
	m.clear()
	return m
}

func (m *Memory) clear() {
	m.customers = make(map[credit.CustomerID]credit.Customer)
	m.bills = make(map[credit.BillID]credit.Bill)
	m.payments = make(map[paymentKey]credit.BillPayment)
	m.audit = nil
	m.auditIDs = make(map[string]struct{})
	m.runs = make(map[string]credit.ReconciliationRun)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) GetCustomer(_ context.Context, id credit.CustomerID) (*credit.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	return &c, nil
}

func (m *Memory) ListCustomers(_ context.Context, businessID credit.BusinessID) ([]credit.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []credit.Customer
	for _, c := range m.customers {
		if c.Deleted || (businessID != "" && c.BusinessID != businessID) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) CompareAndSwapOutstanding(_ context.Context, id credit.CustomerID, expectedVersion int64, next decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	if c.Version != expectedVersion {
		return false, nil
	}
	c.Outstanding = next
	c.Version++
	c.UpdatedAt = m.now().UTC()
	m.customers[id] = c
	return true, nil
}

func (m *Memory) OverwriteOutstanding(_ context.Context, id credit.CustomerID, value decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok || c.Deleted {
		return decimal.Zero, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	previous := c.Outstanding
	c.Outstanding = value
	c.Version++
	c.UpdatedAt = m.now().UTC()
	m.customers[id] = c
	return previous, nil
}

func (m *Memory) CreateCustomer(_ context.Context, c credit.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customers[c.ID]; exists {
		return fmt.Errorf("%w: customer %s", credit.ErrDuplicateID, c.ID)
	}
	now := m.now().UTC()
	c.Outstanding = decimal.Zero
	c.Version = 0
	c.Deleted = false
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) UpdatePolicy(_ context.Context, id credit.CustomerID, p credit.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok || c.Deleted {
		return fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	c.Policy = p
	c.UpdatedAt = m.now().UTC()
	m.customers[id] = c
	return nil
}

func (m *Memory) DeleteCustomer(_ context.Context, id credit.CustomerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok {
		return fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	c.Deleted = true
	c.UpdatedAt = m.now().UTC()
	m.customers[id] = c
	return nil
}

// =============================================================================
// BILLS
// =============================================================================

func (m *Memory) ListBills(_ context.Context, customerID credit.CustomerID) ([]credit.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []credit.Bill
	for _, b := range m.bills {
		if b.CustomerID == customerID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveBill(_ context.Context, b credit.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if prev, ok := m.bills[b.ID]; ok {
		b.CreatedAt = prev.CreatedAt
		b.Version = prev.Version + 1
	} else {
		b.Version = 0
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
	}
	b.UpdatedAt = now
	m.bills[b.ID] = b
	return nil
}

func (m *Memory) UpdateBill(_ context.Context, b credit.Bill, payment *credit.BillPayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.bills[b.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", credit.ErrBillNotFound, b.ID)
	}
	if prev.Version != b.Version {
		return false, nil
	}

	now := m.now().UTC()
	if payment != nil {
		k := paymentKey{bill: b.ID, key: payment.Key}
		if _, dup := m.payments[k]; dup {
			return false, fmt.Errorf("%w: payment %s on bill %s", credit.ErrDuplicateID, payment.Key, b.ID)
		}
		p := *payment
		p.BillID = b.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		m.payments[k] = p
	}

	b.CreatedAt = prev.CreatedAt
	b.Version = prev.Version + 1
	b.UpdatedAt = now
	m.bills[b.ID] = b
	return true, nil
}

func (m *Memory) FindPayment(_ context.Context, billID credit.BillID, key string) (*credit.BillPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[paymentKey{bill: billID, key: key}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) GetBill(_ context.Context, id credit.BillID) (*credit.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bills[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrBillNotFound, id)
	}
	return &b, nil
}

// =============================================================================
// AUDIT LOG - append-only
// =============================================================================

func (m *Memory) Append(_ context.Context, e credit.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.auditIDs[e.ID]; dup {
		return fmt.Errorf("%w: audit event %s", credit.ErrDuplicateID, e.ID)
	}
	e.Seq = int64(len(m.audit)) + 1
	e.Metadata = copyMeta(e.Metadata)
	m.audit = append(m.audit, e)
	m.auditIDs[e.ID] = struct{}{}
	return nil
}

func (m *Memory) Query(_ context.Context, f credit.AuditFilter) ([]credit.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []credit.AuditEvent
	collect := func(e credit.AuditEvent) bool {
		if !f.Matches(e) {
			return true
		}
		e.Metadata = copyMeta(e.Metadata)
		result = append(result, e)
		return f.Limit <= 0 || len(result) < f.Limit
	}
	if f.Newest {
		for i := len(m.audit) - 1; i >= 0; i-- {
			if !collect(m.audit[i]) {
				break
			}
		}
	} else {
		for _, e := range m.audit {
			if !collect(e) {
				break
			}
		}
	}
	return result, nil
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run credit.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

// ListRuns returns runs newest first. An empty businessID lists every business.
func (m *Memory) ListRuns(_ context.Context, businessID credit.BusinessID, limit int) ([]credit.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []credit.ReconciliationRun
	for _, r := range m.runs {
		if businessID == "" || r.BusinessID == businessID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Reset clears all data (for demo scenarios).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clear()
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
