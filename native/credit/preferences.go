package credit

import (
	"fmt"

	"ghostcredit/native/bank"
)

// OrderRule forbids liquidating Then while First still has a positive
// balance.
type OrderRule struct {
	First string
	Then  string
}

// Preferences are the owner's liquidation wishes. Messages run first, in
// order, and are skipped when they fail.
type Preferences struct {
	Messages []Action
	Order    []OrderRule
}

func validateMessages(msgs []Action, limit int) error {
	if len(msgs) > limit {
		return fmt.Errorf("%w: %d messages, limit %d", ErrPreferencesTooLarge, len(msgs), limit)
	}
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("preference message %d: %w", i, err)
		}
	}
	return nil
}

func normalizeOrder(rules []OrderRule, limit int) ([]OrderRule, error) {
	if len(rules) > limit {
		return nil, fmt.Errorf("%w: %d order rules, limit %d", ErrPreferencesTooLarge, len(rules), limit)
	}
	out := make([]OrderRule, 0, len(rules))
	for i, rule := range rules {
		first, then := bank.NormalizeDenom(rule.First), bank.NormalizeDenom(rule.Then)
		if first == "" || then == "" || first == then {
			return nil, fmt.Errorf("%w: order rule %d must name two distinct denoms", ErrInvalidMessage, i)
		}
		out = append(out, OrderRule{First: first, Then: then})
	}
	return out, nil
}
