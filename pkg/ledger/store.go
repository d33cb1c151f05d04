// Package ledger is the relational store the processor role mutates. Every
// mutation is idempotent: applying the same transfer twice leaves the ledger
// as if it had been applied once.
package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/metrics"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Migrations holds the schema as golang-migrate source files.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// ZeroAccount mints and burns; it holds no balance.
const ZeroAccount = "0x0000000000000000000000000000000000000000"

var (
	// ErrNotFound is returned by readers for missing rows.
	ErrNotFound = errors.New("ledger: not found")
)

// Outcome reports what a mutation did.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Stale     Outcome = "stale"
)

// Store wraps the gorm connection.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Connect opens and pings a Postgres connection pool.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*Store, error) {
	log := logger.For("ledger")
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(int(maxConns))
		sqlDB.SetMaxIdleConns(int(maxConns) / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Int32("max_conns", maxConns).Msg("Connected to Postgres")
	return &Store{db: db, now: time.Now}, nil
}

// Open wraps an arbitrary dialector, used with sqlite in tests.
func Open(d gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(d, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// AutoMigrate creates the tables from the models. Production schemas come
// from the embedded migrations instead.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Entry{}, &Balance{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transfer is a validated transfer ready to apply.
type Transfer struct {
	EventKey    string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	BlockHash   string
	Token       string
	From        string
	To          string
	Amount      *big.Int
}

// Validate normalizes and checks t.
func (t *Transfer) Validate() error {
	t.EventKey = strings.ToLower(strings.TrimSpace(t.EventKey))
	t.Token = strings.ToLower(t.Token)
	t.From = strings.ToLower(t.From)
	t.To = strings.ToLower(t.To)
	switch {
	case t.EventKey == "":
		return errors.New("transfer has no event key")
	case t.From == "" || t.To == "":
		return fmt.Errorf("transfer %s has no counterparties", t.EventKey)
	case t.Amount == nil:
		return fmt.Errorf("transfer %s has no amount", t.EventKey)
	case t.Amount.Sign() < 0:
		return fmt.Errorf("transfer %s has negative amount", t.EventKey)
	}
	return nil
}

// ApplyTransfer records t and moves its amount between balances in one
// transaction. A transfer whose event key is already present is a no-op.
func (s *Store) ApplyTransfer(ctx context.Context, t Transfer) (Outcome, error) {
	if err := t.Validate(); err != nil {
		return "", tasks.Permanent(err)
	}

	outcome := Duplicate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		entry := Entry{
			EventKey:    t.EventKey,
			TxHash:      strings.ToLower(t.TxHash),
			LogIndex:    t.LogIndex,
			BlockNumber: t.BlockNumber,
			BlockHash:   t.BlockHash,
			Token:       t.Token,
			FromAccount: t.From,
			ToAccount:   t.To,
			Amount:      NewAmount(t.Amount),
			Status:      StatusSuccess,
			StatusBlock: t.BlockNumber,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_key"}},
			DoNothing: true,
		}).Create(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := addBalance(tx, t.From, t.Token, new(big.Int).Neg(t.Amount), now); err != nil {
			return err
		}
		if err := addBalance(tx, t.To, t.Token, t.Amount, now); err != nil {
			return err
		}
		outcome = Applied
		return nil
	})
	if err != nil {
		metrics.LedgerMutations.WithLabelValues("apply_transfer", "error").Inc()
		return "", tasks.Transient(fmt.Errorf("apply transfer %s: %w", t.EventKey, err))
	}
	metrics.LedgerMutations.WithLabelValues("apply_transfer", string(outcome)).Inc()
	return outcome, nil
}

// addBalance adds delta to a balance row. Postgres locks the row for the
// rest of the transaction; a concurrent first insert fails on the primary
// key and the whole transfer is retried.
func addBalance(tx *gorm.DB, account, token string, delta *big.Int, at time.Time) error {
	if account == ZeroAccount || delta.Sign() == 0 {
		return nil
	}
	read := tx
	if tx.Dialector.Name() == "postgres" {
		read = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var b Balance
	err := read.Where("account = ? AND token = ?", account, token).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&Balance{Account: account, Token: token, Balance: NewAmount(delta), UpdatedAt: at}).Error
	}
	if err != nil {
		return err
	}
	sum := new(big.Int).Add(b.Balance.Int(), delta)
	return tx.Model(&Balance{}).
		Where("account = ? AND token = ?", account, token).
		Updates(map[string]any{"balance": NewAmount(sum), "updated_at": at}).Error
}

// StatusUpdate moves an entry to a new chain status as observed at Block.
type StatusUpdate struct {
	EventKey string
	Status   Status
	Block    uint64
}

// SetStatus applies u only if u.Block is newer than the entry's status
// block, so replays and out-of-order updates are no-ops.
func (s *Store) SetStatus(ctx context.Context, u StatusUpdate) (Outcome, error) {
	key := strings.ToLower(strings.TrimSpace(u.EventKey))
	if key == "" {
		return "", tasks.Permanent(errors.New("status update has no event key"))
	}
	if _, ok := ParseStatus(string(u.Status)); !ok {
		return "", tasks.Permanent(fmt.Errorf("status update %s: invalid status %q", key, u.Status))
	}

	res := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("event_key = ? AND status_block < ?", key, u.Block).
		Updates(map[string]any{
			"status":       u.Status,
			"status_block": u.Block,
			"updated_at":   s.now().UTC(),
		})
	if res.Error != nil {
		metrics.LedgerMutations.WithLabelValues("set_status", "error").Inc()
		return "", tasks.Transient(fmt.Errorf("set status %s: %w", key, res.Error))
	}
	if res.RowsAffected == 1 {
		metrics.LedgerMutations.WithLabelValues("set_status", string(Applied)).Inc()
		return Applied, nil
	}

	if _, err := s.Entry(ctx, key); errors.Is(err, ErrNotFound) {
		// The transfer may still be in flight on the processor queue.
		return "", tasks.Transient(fmt.Errorf("set status %s: %w", key, err))
	} else if err != nil {
		return "", err
	}
	metrics.LedgerMutations.WithLabelValues("set_status", string(Stale)).Inc()
	return Stale, nil
}

// Entry reads one entry by event key.
func (s *Store) Entry(ctx context.Context, eventKey string) (*Entry, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("event_key = ?", strings.ToLower(eventKey)).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, tasks.Transient(err)
	}
	return &e, nil
}

// BalanceOf returns the balance of account in token, zero when absent.
func (s *Store) BalanceOf(ctx context.Context, account, token string) (*big.Int, error) {
	var b Balance
	err := s.db.WithContext(ctx).
		Where("account = ? AND token = ?", strings.ToLower(account), strings.ToLower(token)).
		Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, tasks.Transient(err)
	}
	return b.Balance.Int(), nil
}

// CountEntries returns the number of applied transfers.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&n).Error; err != nil {
		return 0, tasks.Transient(err)
	}
	return n, nil
}
