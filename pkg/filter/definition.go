// Package filter implements the filter role: it reads chain events, keeps the
// ones a definition matches and emits one processor task per match, in chain
// order.
package filter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/guido-cesarano/chainq/pkg/chain"
	"github.com/guido-cesarano/chainq/pkg/config"
)

// Definition is a predicate over chain events.
type Definition struct {
	Name      string
	Kind      string
	Contracts map[string]bool
	Accounts  map[string]bool
	MinAmount *big.Int
}

// FromConfig converts and validates configured filters.
func FromConfig(cfgs []config.FilterConfig) ([]Definition, error) {
	out := make([]Definition, 0, len(cfgs))
	for _, c := range cfgs {
		d := Definition{Name: c.Name, Kind: c.Kind}
		if d.Kind == "" {
			d.Kind = chain.KindTransfer
		}
		if len(c.Contracts) > 0 {
			d.Contracts = lowerSet(c.Contracts)
		}
		if len(c.Accounts) > 0 {
			d.Accounts = lowerSet(c.Accounts)
		}
		if c.MinAmount != "" {
			min, ok := new(big.Int).SetString(c.MinAmount, 10)
			if !ok || min.Sign() < 0 {
				return nil, &config.ConfigurationError{Field: "filters." + c.Name + ".minAmount", Reason: fmt.Sprintf("invalid amount %q", c.MinAmount)}
			}
			d.MinAmount = min
		}
		out = append(out, d)
	}
	return out, nil
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return set
}

// ContractList returns the contracts the definition restricts to.
func (d Definition) ContractList() []string {
	out := make([]string, 0, len(d.Contracts))
	for c := range d.Contracts {
		out = append(out, c)
	}
	return out
}

// Match reports whether ev satisfies d.
func Match(d Definition, ev chain.Event) bool {
	if ev.Kind != d.Kind {
		return false
	}
	if d.Contracts != nil && !d.Contracts[strings.ToLower(ev.Contract)] {
		return false
	}
	if d.Accounts != nil && !d.Accounts[strings.ToLower(ev.From)] && !d.Accounts[strings.ToLower(ev.To)] {
		return false
	}
	if d.MinAmount != nil {
		amount, ok := ev.AmountInt()
		if !ok || amount.Cmp(d.MinAmount) < 0 {
			return false
		}
	}
	return true
}

// MatchResult pairs an event with the definitions it matched.
type MatchResult struct {
	Event   chain.Event
	Filters []string
}

// MatchAll evaluates every event against every definition and returns the
// events that matched at least one, in input order.
func MatchAll(defs []Definition, events []chain.Event) []MatchResult {
	var out []MatchResult
	for _, ev := range events {
		var names []string
		for _, d := range defs {
			if Match(d, ev) {
				names = append(names, d.Name)
			}
		}
		if len(names) > 0 {
			out = append(out, MatchResult{Event: ev, Filters: names})
		}
	}
	return out
}
