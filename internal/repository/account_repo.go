package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/reelpilot/internal/credential"
	"github.com/timmy/reelpilot/internal/domain"
)

// AccountRepository persists pools, accounts and health snapshots.
// Credentials pass through the sink on the way in and out.
type AccountRepository struct {
	db   *gorm.DB
	sink credential.Sink
}

// NewAccountRepository creates a new AccountRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - sink: credential sealer; nil stores credentials as given.
// Returns:
//   - *AccountRepository: repository instance bound to db.
func NewAccountRepository(db *gorm.DB, sink credential.Sink) *AccountRepository {
	if sink == nil {
		sink = credential.Plain{}
	}
	return &AccountRepository{db: db, sink: sink}
}

// SavePool inserts or updates a pool row. Member accounts are saved separately.
func (r *AccountRepository) SavePool(ctx context.Context, pool *domain.Pool) error {
	row := *pool
	row.Accounts = nil
	return r.db.WithContext(ctx).Save(&row).Error
}

// DeletePool removes a pool with its accounts and their health rows.
func (r *AccountRepository) DeletePool(ctx context.Context, poolID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accountIDs []string
		if err := tx.Model(&domain.Account{}).Where("pool_id = ?", poolID).Pluck("id", &accountIDs).Error; err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		if len(accountIDs) > 0 {
			if err := tx.Where("account_id IN ?", accountIDs).Delete(&domain.AccountHealth{}).Error; err != nil {
				return fmt.Errorf("delete health: %w", err)
			}
		}
		if err := tx.Where("pool_id = ?", poolID).Delete(&domain.Account{}).Error; err != nil {
			return fmt.Errorf("delete accounts: %w", err)
		}
		return tx.Where("id = ?", poolID).Delete(&domain.Pool{}).Error
	})
}

// SaveAccount seals the credential and upserts the account row.
func (r *AccountRepository) SaveAccount(ctx context.Context, acc *domain.Account) error {
	row := *acc
	if len(acc.Credential) > 0 {
		sealed, err := r.sink.Seal(acc.Credential)
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		row.Credential = sealed
	}
	return r.db.WithContext(ctx).Save(&row).Error
}

// DeleteAccount removes an account and its health row.
func (r *AccountRepository) DeleteAccount(ctx context.Context, accountID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&domain.AccountHealth{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", accountID).Delete(&domain.Account{}).Error
	})
}

// SaveHealth upserts a health snapshot.
func (r *AccountRepository) SaveHealth(ctx context.Context, h *domain.AccountHealth) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		UpdateAll: true,
	}).Create(h).Error
}

// LoadAll returns every pool with its accounts attached, plus all health snapshots.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []domain.Pool: pools ordered by creation, accounts ordered by creation.
//   - []domain.AccountHealth: persisted health rows.
//   - error: non-nil if a query fails or a credential cannot be opened.
func (r *AccountRepository) LoadAll(ctx context.Context) ([]domain.Pool, []domain.AccountHealth, error) {
	db := r.db.WithContext(ctx)

	var pools []domain.Pool
	if err := db.Order("created_at ASC").Find(&pools).Error; err != nil {
		return nil, nil, fmt.Errorf("load pools: %w", err)
	}

	var accounts []domain.Account
	if err := db.Order("created_at ASC").Find(&accounts).Error; err != nil {
		return nil, nil, fmt.Errorf("load accounts: %w", err)
	}

	index := make(map[string]int, len(pools))
	for i := range pools {
		index[pools[i].ID] = i
	}
	for _, acc := range accounts {
		i, ok := index[acc.PoolID]
		if !ok {
			continue
		}
		if len(acc.Credential) > 0 {
			plain, err := r.sink.Open(acc.Credential)
			if err != nil {
				return nil, nil, fmt.Errorf("open credential of account %s: %w", acc.ID, err)
			}
			acc.Credential = plain
		}
		pools[i].Accounts = append(pools[i].Accounts, acc)
	}

	var health []domain.AccountHealth
	if err := db.Find(&health).Error; err != nil {
		return nil, nil, fmt.Errorf("load health: %w", err)
	}

	return pools, health, nil
}
