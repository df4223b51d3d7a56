package market

import (
	"fmt"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// check accumulates every constraint an operation breaks so the caller gets
// the full picture, not just the first failure.
type check struct {
	op   string
	list []domain.Violation
}

func newCheck(op string) *check {
	return &check{op: op}
}

func (c *check) fail(code *domain.Code, format string, args ...any) {
	c.list = append(c.list, domain.Violation{Code: code, Detail: fmt.Sprintf(format, args...)})
}

func (c *check) failed() bool {
	return len(c.list) > 0
}

// err returns nil when nothing failed. The primary code is the first
// violation recorded, so callers record checks in precedence order.
func (c *check) err() error {
	if len(c.list) == 0 {
		return nil
	}
	return &domain.MarketError{Op: c.op, Code: c.list[0].Code, Violations: c.list}
}
