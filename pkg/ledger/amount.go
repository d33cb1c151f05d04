package ledger

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Amount is an arbitrary precision integer stored as NUMERIC(78,0) in
// Postgres, wide enough for any uint256. Other dialects get TEXT, as SQLite
// would round large NUMERIC values to REAL.
type Amount struct {
	v *big.Int
}

// NewAmount copies i.
func NewAmount(i *big.Int) Amount {
	if i == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(i)}
}

// Int returns a copy of the value; the zero Amount is 0.
func (a Amount) Int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
		a.v = new(big.Int)
		return nil
	case int64:
		a.v = big.NewInt(v)
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("ledger: cannot scan %T into Amount", src)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("ledger: invalid amount %q", s)
	}
	a.v = i
	return nil
}

func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "NUMERIC(78,0)"
	}
	return "TEXT"
}
