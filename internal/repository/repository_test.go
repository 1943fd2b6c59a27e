package repository

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/reelpilot/internal/config"
	"github.com/timmy/reelpilot/internal/credential"
	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	}, logger.Discard())
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestAccountRepository_RoundTripWithSealedCredentials(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sink, err := credential.NewSecretBox(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	repo := NewAccountRepository(db, sink)

	now := time.Now().UTC()
	pool := &domain.Pool{ID: "pool-1", Name: "main", Platform: domain.PlatformTikTok, Enabled: true, CreatedAt: now}
	acc := &domain.Account{ID: "acc-1", PoolID: "pool-1", Name: "a", Credential: []byte("secret-cookie"), Priority: 3, Active: true, CreatedAt: now}

	if err := repo.SavePool(ctx, pool); err != nil {
		t.Fatalf("save pool: %v", err)
	}
	if err := repo.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("save account: %v", err)
	}
	if err := repo.SaveHealth(ctx, &domain.AccountHealth{AccountID: "acc-1", State: domain.HealthStateActive, SuccessCount: 2}); err != nil {
		t.Fatalf("save health: %v", err)
	}
	// second save updates in place
	if err := repo.SaveHealth(ctx, &domain.AccountHealth{AccountID: "acc-1", State: domain.HealthStateCooldown, SuccessCount: 3}); err != nil {
		t.Fatalf("update health: %v", err)
	}

	var raw domain.Account
	if err := db.First(&raw, "id = ?", "acc-1").Error; err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if bytes.Contains(raw.Credential, []byte("secret-cookie")) {
		t.Error("credential stored in plaintext")
	}

	pools, health, err := repo.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pools) != 1 || len(pools[0].Accounts) != 1 {
		t.Fatalf("expected 1 pool with 1 account, got %+v", pools)
	}
	if got := string(pools[0].Accounts[0].Credential); got != "secret-cookie" {
		t.Errorf("expected opened credential, got %q", got)
	}
	if len(health) != 1 || health[0].State != domain.HealthStateCooldown || health[0].SuccessCount != 3 {
		t.Errorf("unexpected health rows: %+v", health)
	}
}

func TestAccountRepository_DeletePoolRemovesMembers(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewAccountRepository(db, nil)

	repo.SavePool(ctx, &domain.Pool{ID: "p1", Name: "one", Platform: domain.PlatformYouTube})
	repo.SavePool(ctx, &domain.Pool{ID: "p2", Name: "two", Platform: domain.PlatformYouTube})
	repo.SaveAccount(ctx, &domain.Account{ID: "a1", PoolID: "p1", Name: "a1"})
	repo.SaveAccount(ctx, &domain.Account{ID: "a2", PoolID: "p2", Name: "a2"})
	repo.SaveHealth(ctx, &domain.AccountHealth{AccountID: "a1"})
	repo.SaveHealth(ctx, &domain.AccountHealth{AccountID: "a2"})

	if err := repo.DeletePool(ctx, "p1"); err != nil {
		t.Fatalf("delete pool: %v", err)
	}

	pools, health, err := repo.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pools) != 1 || pools[0].ID != "p2" {
		t.Errorf("expected only p2, got %+v", pools)
	}
	if len(health) != 1 || health[0].AccountID != "a2" {
		t.Errorf("expected only a2 health, got %+v", health)
	}

	if err := repo.DeleteAccount(ctx, "a2"); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	pools, health, _ = repo.LoadAll(ctx)
	if len(pools[0].Accounts) != 0 || len(health) != 0 {
		t.Errorf("expected account and health removed, got %+v / %+v", pools, health)
	}
}

func TestJobRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	job := &domain.Job{
		ID:     "job-1",
		Owner:  "alice",
		Spec:   domain.JobSpec{Title: "t", SceneCount: 3, Targets: []domain.PublishTarget{{Platform: domain.PlatformTikTok}}},
		Status: domain.JobStatusCompleted,
		Stages: domain.StageProgressList{{Stage: domain.StageScript, Percent: 100, Completed: true, Logs: []string{"done"}}},
		Artifacts: domain.ArtifactList{
			{Stage: domain.StageImages, Kind: domain.ArtifactImage, Item: 1, Key: "k1"},
		},
	}
	if err := repo.SaveJob(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Spec.SceneCount != 3 || len(got.Spec.Targets) != 1 {
		t.Errorf("spec not restored: %+v", got.Spec)
	}
	if len(got.Stages) != 1 || got.Stages[0].Stage != domain.StageScript || !got.Stages[0].Completed {
		t.Errorf("stages not restored: %+v", got.Stages)
	}
	if len(got.Artifacts.OfKind(domain.ArtifactImage)) != 1 {
		t.Errorf("artifacts not restored: %+v", got.Artifacts)
	}

	if _, err := repo.GetJob(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	repo.SaveJob(ctx, &domain.Job{ID: "job-2", Owner: "bob", Status: domain.JobStatusFailed})
	jobs, err := repo.ListJobs(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Errorf("expected only alice's job, got %+v", jobs)
	}
}

func TestSubscriptionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository(newTestDB(t))
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	repo.nowFn = func() time.Time { return now }

	sub := &domain.Subscription{Owner: "alice", Plan: "pro", Active: true, MonthlyQuota: 10, Platforms: domain.StringArray{"tiktok"}}
	if err := repo.Upsert(ctx, sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.Consume(ctx, "alice"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	got, err := repo.GetByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MonthlyQuotaRemaining() != 9 {
		t.Errorf("expected 9 remaining, got %d", got.MonthlyQuotaRemaining())
	}
	if len(got.AllowedPlatforms()) != 1 {
		t.Errorf("expected platforms restored, got %v", got.Platforms)
	}

	now = time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	got, err = repo.GetByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("get after rollover: %v", err)
	}
	if got.UsedThisMonth != 0 {
		t.Errorf("expected counter reset in new month, got %d", got.UsedThisMonth)
	}

	if err := repo.Consume(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetByOwner(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionRepository_ConsumeStopsAtQuota(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	repo := NewSubscriptionRepository(db)

	if err := repo.Upsert(ctx, &domain.Subscription{Owner: "alice", Active: true, MonthlyQuota: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	const callers = 8
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.Consume(ctx, "alice")
		}()
	}
	wg.Wait()
	close(results)

	charged, exhausted := 0, 0
	for err := range results {
		switch {
		case err == nil:
			charged++
		case errors.Is(err, domain.ErrQuotaExhausted):
			exhausted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if charged != 1 || exhausted != callers-1 {
		t.Errorf("charged=%d exhausted=%d", charged, exhausted)
	}

	got, err := repo.GetByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsedThisMonth != 1 {
		t.Errorf("used_this_month = %d, want 1", got.UsedThisMonth)
	}
}
