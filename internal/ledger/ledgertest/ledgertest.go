// Package ledgertest builds an in-memory ledger for tests in other packages.
package ledgertest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountrepo "github.com/smallbiznis/tokenledger/internal/account/repository"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/tokenledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/tokenledger/internal/ledger/service"
	"github.com/smallbiznis/tokenledger/internal/migration"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/rate"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory database with the billing schema. One
// connection mirrors sqlite's single writer.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Rates is the catalog used across tests: one free tier and two priced models.
func Rates() config.RatesConfig {
	cfg := config.DefaultRatesConfig()
	cfg.Rates = []config.RateEntry{
		{Provider: "groq", Model: "free-model", InputRate: 0, OutputRate: 0},
		{Provider: "anthropic", Model: "claude-3.5-sonnet", InputRate: 300_000, OutputRate: 1_500_000},
		{Provider: "openai", Model: "gpt-4o-mini", InputRate: 15_000, OutputRate: 60_000},
	}
	return cfg
}

func NewRatesHolder(t testing.TB) *config.RatesHolder {
	t.Helper()
	holder, err := config.NewStaticRatesHolder(Rates())
	if err != nil {
		t.Fatalf("rates holder: %v", err)
	}
	return holder
}

type Options struct {
	Billing config.BillingConfig
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics
	Log     *zap.Logger
	// Repo replaces the gorm ledger repository, e.g. to wrap it.
	Repo ledgerdomain.Repository
}

func DefaultBilling() config.BillingConfig {
	return config.BillingConfig{
		TrialUnitsLimit:  config.DefaultTrialUnitsLimit,
		SubscriptionDays: config.DefaultSubscriptionDays,
		StorageTimeout:   5 * time.Second,
		ConflictRetries:  3,
	}
}

func NewService(t testing.TB, db *gorm.DB, opts Options) ledgerdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	src, err := rate.NewSource(NewRatesHolder(t))
	if err != nil {
		t.Fatalf("rate source: %v", err)
	}

	billing := opts.Billing
	if billing == (config.BillingConfig{}) {
		billing = DefaultBilling()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	repo := opts.Repo
	if repo == nil {
		repo = ledgerrepo.Provide()
	}

	return ledgerservice.NewService(ledgerservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Config:     config.Config{Billing: billing},
		Rates:      src,
		Accounts:   accountrepo.Provide(),
		Repo:       repo,
		ObsMetrics: opts.Metrics,
	})
}

// Count runs a COUNT(*) style query.
func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	return count
}
