package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

// accountEntry is one account plus its health, guarded by its own mutex.
// Lock order is AccountRegistry.mu before accountEntry.mu.
type accountEntry struct {
	mu       sync.Mutex
	account  domain.Account
	health   domain.AccountHealth
	platform string
	removed  bool
}

type poolEntry struct {
	pool       domain.Pool
	accountIDs []string
}

// AccountInput describes a new account.
type AccountInput struct {
	Name            string
	Credential      []byte
	Priority        int
	DailyPostLimit  int
	MinPostInterval time.Duration
}

// AccountRegistry is the in-memory store of pools and their accounts.
// Every mutation is atomic on its own; nothing spans two accounts.
type AccountRegistry struct {
	mu       sync.RWMutex
	pools    map[string]*poolEntry
	poolSeq  []string
	accounts map[string]*accountEntry

	store AccountStore
	log   *logger.Logger
	nowFn func() time.Time
	newID func() string
}

// NewAccountRegistry creates an empty registry. A nil store keeps everything in memory.
// Parameters:
//   - store: optional write-through persistence.
//   - log: component logger.
// Returns:
//   - *AccountRegistry: ready to use registry.
func NewAccountRegistry(store AccountStore, log *logger.Logger) *AccountRegistry {
	if log == nil {
		log = logger.Discard()
	}
	return &AccountRegistry{
		pools:    make(map[string]*poolEntry),
		accounts: make(map[string]*accountEntry),
		store:    store,
		log:      log.WithComponent("account_registry"),
		nowFn:    time.Now,
		newID:    uuid.NewString,
	}
}

// LoadFrom replaces the registry contents with what the store holds.
// Accounts without a stored health row start in the unknown state.
func (r *AccountRegistry) LoadFrom(ctx context.Context, store AccountStore) error {
	pools, health, err := store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	byAccount := make(map[string]domain.AccountHealth, len(health))
	for _, h := range health {
		byAccount[h.AccountID] = h
	}

	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pools = make(map[string]*poolEntry, len(pools))
	r.poolSeq = r.poolSeq[:0]
	r.accounts = make(map[string]*accountEntry)
	for _, p := range pools {
		pe := &poolEntry{pool: p}
		pe.pool.Accounts = nil
		for _, acc := range p.Accounts {
			h, ok := byAccount[acc.ID]
			if !ok {
				h = newHealth(acc.ID, now)
			}
			r.accounts[acc.ID] = &accountEntry{account: acc, health: h, platform: p.Platform}
			pe.accountIDs = append(pe.accountIDs, acc.ID)
		}
		r.pools[p.ID] = pe
		r.poolSeq = append(r.poolSeq, p.ID)
	}

	r.log.WithFields(logger.Fields{"pools": len(r.pools), "accounts": len(r.accounts)}).Info("Registry loaded")
	return nil
}

// CreatePool adds an empty, enabled pool for platform.
func (r *AccountRegistry) CreatePool(ctx context.Context, platform, name string) (domain.Pool, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	name = strings.TrimSpace(name)
	if platform == "" || name == "" {
		return domain.Pool{}, fmt.Errorf("%w: platform and name are required", domain.ErrInvalidInput)
	}

	now := r.nowFn()
	pool := domain.Pool{
		ID:        r.newID(),
		Name:      name,
		Platform:  platform,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SavePool(ctx, &pool); err != nil {
			return domain.Pool{}, fmt.Errorf("save pool: %w", err)
		}
	}
	r.pools[pool.ID] = &poolEntry{pool: pool}
	r.poolSeq = append(r.poolSeq, pool.ID)

	r.log.WithFields(logger.Fields{logger.FieldPoolID: pool.ID, logger.FieldPlatform: platform}).Info("Pool created")
	return pool, nil
}

// DeletePool removes a pool together with its accounts and their health records.
// It reports false when the pool does not exist.
func (r *AccountRegistry) DeletePool(ctx context.Context, poolID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pe, ok := r.pools[poolID]
	if !ok {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.DeletePool(ctx, poolID); err != nil {
			return false, fmt.Errorf("delete pool: %w", err)
		}
	}
	for _, id := range pe.accountIDs {
		if e, ok := r.accounts[id]; ok {
			e.mu.Lock()
			e.removed = true
			e.mu.Unlock()
			delete(r.accounts, id)
		}
	}
	delete(r.pools, poolID)
	r.poolSeq = removeString(r.poolSeq, poolID)

	r.log.WithFields(logger.Fields{logger.FieldPoolID: poolID, logger.FieldCount: len(pe.accountIDs)}).Info("Pool deleted")
	return true, nil
}

// SetPoolEnabled switches scheduling for every account of a pool on or off.
func (r *AccountRegistry) SetPoolEnabled(ctx context.Context, poolID string, enabled bool) (domain.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pe, ok := r.pools[poolID]
	if !ok {
		return domain.Pool{}, fmt.Errorf("pool %s: %w", poolID, domain.ErrNotFound)
	}
	updated := pe.pool
	updated.Enabled = enabled
	updated.UpdatedAt = r.nowFn()
	if r.store != nil {
		if err := r.store.SavePool(ctx, &updated); err != nil {
			return domain.Pool{}, fmt.Errorf("save pool: %w", err)
		}
	}
	pe.pool = updated
	return r.poolLocked(pe), nil
}

// AddAccount creates an account in poolID with default limits.
func (r *AccountRegistry) AddAccount(ctx context.Context, poolID, name string, credential []byte, priority int) (domain.Account, error) {
	return r.AddAccountWith(ctx, poolID, AccountInput{Name: name, Credential: credential, Priority: priority})
}

// AddAccountWith creates an account in poolID and its health record.
// Parameters:
//   - ctx: context for the store write.
//   - poolID: owning pool.
//   - in: account fields.
// Returns:
//   - domain.Account: the stored account.
//   - error: domain.ErrNotFound when the pool is missing, domain.ErrInvalidInput on bad fields.
func (r *AccountRegistry) AddAccountWith(ctx context.Context, poolID string, in AccountInput) (domain.Account, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Account{}, fmt.Errorf("%w: account name is required", domain.ErrInvalidInput)
	}
	if in.DailyPostLimit < 0 || in.MinPostInterval < 0 {
		return domain.Account{}, fmt.Errorf("%w: limits must not be negative", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pe, ok := r.pools[poolID]
	if !ok {
		return domain.Account{}, fmt.Errorf("pool %s: %w", poolID, domain.ErrNotFound)
	}

	now := r.nowFn()
	acc := domain.Account{
		ID:              r.newID(),
		PoolID:          poolID,
		Name:            name,
		Credential:      cloneBytes(in.Credential),
		Priority:        in.Priority,
		DailyPostLimit:  in.DailyPostLimit,
		MinPostInterval: in.MinPostInterval,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	health := newHealth(acc.ID, now)

	if r.store != nil {
		if err := r.store.SaveAccount(ctx, &acc); err != nil {
			return domain.Account{}, fmt.Errorf("save account: %w", err)
		}
		if err := r.store.SaveHealth(ctx, &health); err != nil {
			return domain.Account{}, fmt.Errorf("save health: %w", err)
		}
	}

	r.accounts[acc.ID] = &accountEntry{account: acc, health: health, platform: pe.pool.Platform}
	pe.accountIDs = append(pe.accountIDs, acc.ID)

	r.log.WithFields(logger.Fields{logger.FieldPoolID: poolID, logger.FieldAccountID: acc.ID}).Info("Account added")
	return copyAccount(acc), nil
}

// RemoveAccount deletes an account and its health record from poolID.
// It reports false when the pool or the account is missing.
func (r *AccountRegistry) RemoveAccount(ctx context.Context, poolID, accountID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pe, ok := r.pools[poolID]
	if !ok {
		return false, nil
	}
	e, ok := r.accounts[accountID]
	if !ok || e.account.PoolID != poolID {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.DeleteAccount(ctx, accountID); err != nil {
			return false, fmt.Errorf("delete account: %w", err)
		}
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(r.accounts, accountID)
	pe.accountIDs = removeString(pe.accountIDs, accountID)

	r.log.WithFields(logger.Fields{logger.FieldPoolID: poolID, logger.FieldAccountID: accountID}).Info("Account removed")
	return true, nil
}

// UpdateCredential rotates the credential blob of an account without touching its health.
// It reports false when the account is missing.
func (r *AccountRegistry) UpdateCredential(ctx context.Context, accountID string, credential []byte) (bool, error) {
	_, err := r.mutateAccount(ctx, accountID, func(acc *domain.Account) error {
		acc.Credential = cloneBytes(credential)
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateAccount applies a partial update to the account's settings.
func (r *AccountRegistry) UpdateAccount(ctx context.Context, accountID string, patch domain.AccountPatch) (domain.Account, error) {
	return r.mutateAccount(ctx, accountID, func(acc *domain.Account) error {
		next := *acc
		patch.Apply(&next)
		if strings.TrimSpace(next.Name) == "" || next.DailyPostLimit < 0 || next.MinPostInterval < 0 {
			return fmt.Errorf("%w: invalid account settings", domain.ErrInvalidInput)
		}
		*acc = next
		return nil
	})
}

// GetAccount returns a copy of one account.
func (r *AccountRegistry) GetAccount(accountID string) (domain.Account, error) {
	e, err := r.entry(accountID)
	if err != nil {
		return domain.Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyAccount(e.account), nil
}

// GetPool returns a copy of one pool with its accounts.
func (r *AccountRegistry) GetPool(poolID string) (domain.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pe, ok := r.pools[poolID]
	if !ok {
		return domain.Pool{}, fmt.Errorf("pool %s: %w", poolID, domain.ErrNotFound)
	}
	return r.poolLocked(pe), nil
}

// ListAccounts returns the accounts of a pool in insertion order.
func (r *AccountRegistry) ListAccounts(poolID string) ([]domain.Account, error) {
	pool, err := r.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	return pool.Accounts, nil
}

// ListPools returns every pool, or only those of platform when it is non-empty.
func (r *AccountRegistry) ListPools(platform string) []domain.Pool {
	platform = strings.ToLower(strings.TrimSpace(platform))

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Pool, 0, len(r.poolSeq))
	for _, id := range r.poolSeq {
		pe := r.pools[id]
		if platform != "" && pe.pool.Platform != platform {
			continue
		}
		out = append(out, r.poolLocked(pe))
	}
	return out
}

// Health returns a copy of the stored health record of an account.
func (r *AccountRegistry) Health(accountID string) (domain.AccountHealth, error) {
	e, err := r.entry(accountID)
	if err != nil {
		return domain.AccountHealth{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyHealth(e.health), nil
}

func (r *AccountRegistry) entry(accountID string) (*accountEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	return e, nil
}

// poolView is a pool together with its live entries, used by health and scheduling.
type poolView struct {
	pool    domain.Pool
	entries []*accountEntry
}

// views returns pools in insertion order. An empty platform matches all.
func (r *AccountRegistry) views(platform string, enabledOnly bool) []poolView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]poolView, 0, len(r.poolSeq))
	for _, id := range r.poolSeq {
		pe := r.pools[id]
		if platform != "" && pe.pool.Platform != platform {
			continue
		}
		if enabledOnly && !pe.pool.Enabled {
			continue
		}
		v := poolView{pool: pe.pool, entries: make([]*accountEntry, 0, len(pe.accountIDs))}
		for _, accID := range pe.accountIDs {
			if e, ok := r.accounts[accID]; ok {
				v.entries = append(v.entries, e)
			}
		}
		out = append(out, v)
	}
	return out
}

// mutateAccount applies fn to a copy of the account, persists it and commits.
func (r *AccountRegistry) mutateAccount(ctx context.Context, accountID string, fn func(*domain.Account) error) (domain.Account, error) {
	e, err := r.entry(accountID)
	if err != nil {
		return domain.Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.Account{}, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}

	next := e.account
	if err := fn(&next); err != nil {
		return domain.Account{}, err
	}
	next.UpdatedAt = r.nowFn()
	if r.store != nil {
		if err := r.store.SaveAccount(ctx, &next); err != nil {
			return domain.Account{}, fmt.Errorf("save account: %w", err)
		}
	}
	e.account = next
	return copyAccount(next), nil
}

func (r *AccountRegistry) poolLocked(pe *poolEntry) domain.Pool {
	p := pe.pool
	p.Accounts = make([]domain.Account, 0, len(pe.accountIDs))
	for _, id := range pe.accountIDs {
		e, ok := r.accounts[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		p.Accounts = append(p.Accounts, copyAccount(e.account))
		e.mu.Unlock()
	}
	return p
}

func newHealth(accountID string, now time.Time) domain.AccountHealth {
	return domain.AccountHealth{
		AccountID:         accountID,
		State:             domain.HealthStateUnknown,
		DailyLimitResetAt: domain.NextDailyReset(now),
		UpdatedAt:         now,
	}
}

func copyAccount(a domain.Account) domain.Account {
	a.Credential = cloneBytes(a.Credential)
	return a
}

func copyHealth(h domain.AccountHealth) domain.AccountHealth {
	h.LastUsed = cloneTimePtr(h.LastUsed)
	h.CooldownUntil = cloneTimePtr(h.CooldownUntil)
	h.RateLimitResetAt = cloneTimePtr(h.RateLimitResetAt)
	h.BannedAt = cloneTimePtr(h.BannedAt)
	return h
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
