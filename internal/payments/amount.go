package payments

import (
	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/models"
)

const (
	MinAmount models.Money = 1
	MaxAmount models.Money = 10000_00
)

// ParseAmount accepts 0.01 through 10000.00 with at most two decimals.
func ParseAmount(s string) (models.Money, error) {
	m, err := models.ParseMoney(s)
	if err != nil {
		return 0, apperr.New(apperr.KindInvalidAmount, "amount %q: %v", s, err)
	}
	if m < MinAmount || m > MaxAmount {
		return 0, apperr.New(apperr.KindInvalidAmount, "amount must be greater than 0 and at most %s", MaxAmount)
	}
	return m, nil
}
