package pricing

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnknownPlan = errors.New("unknown plan")

const notesPrefix = "plan:"

// Plan is a purchasable membership period.
type Plan struct {
	Key   string          `json:"key"`
	Name  string          `json:"name"`
	Days  int             `json:"days"`
	Price decimal.Decimal `json:"price"`
}

type Catalog struct {
	plans []Plan
	byKey map[string]Plan
}

func NewCatalog(plans []Plan) *Catalog {
	c := &Catalog{byKey: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if _, dup := c.byKey[p.Key]; dup {
			continue
		}
		c.plans = append(c.plans, p)
		c.byKey[p.Key] = p
	}
	return c
}

func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

func (c *Catalog) Lookup(key string) (Plan, error) {
	p, ok := c.byKey[key]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// Notes tags an order with the plan it pays for.
func Notes(key, extra string) string {
	if extra == "" {
		return notesPrefix + key
	}
	return notesPrefix + key + " " + extra
}

// PlanFromNotes returns the plan key an order's notes were tagged with.
func PlanFromNotes(notes string) (string, bool) {
	if !strings.HasPrefix(notes, notesPrefix) {
		return "", false
	}
	key, _, _ := strings.Cut(strings.TrimPrefix(notes, notesPrefix), " ")
	return key, key != ""
}
