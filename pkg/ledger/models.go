package ledger

import "time"

// Status is the chain status of a ledger entry.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusUnknown, StatusPending, StatusSuccess, StatusFailed:
		return st, true
	}
	return "", false
}

// Entry is one applied transfer. EventKey is unique: a transfer is applied at
// most once no matter how often its task is delivered.
type Entry struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	EventKey    string    `gorm:"column:event_key;size:128;uniqueIndex;not null"`
	TxHash      string    `gorm:"column:tx_hash;size:80;not null"`
	LogIndex    uint      `gorm:"column:log_index;not null"`
	BlockNumber uint64    `gorm:"column:block_number;not null"`
	BlockHash   string    `gorm:"column:block_hash;size:80"`
	Token       string    `gorm:"column:token;size:64;not null"`
	FromAccount string    `gorm:"column:from_account;size:64;not null"`
	ToAccount   string    `gorm:"column:to_account;size:64;not null"`
	Amount      Amount    `gorm:"column:amount;not null"`
	Status      Status    `gorm:"column:status;size:16;not null"`
	StatusBlock uint64    `gorm:"column:status_block;not null"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Balance is the running balance of one account for one token.
type Balance struct {
	Account   string    `gorm:"column:account;size:64;primaryKey"`
	Token     string    `gorm:"column:token;size:64;primaryKey"`
	Balance   Amount    `gorm:"column:balance;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Balance) TableName() string { return "ledger_balances" }
