package ordertype

import (
	"fmt"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// Definition builds an OrderType from configuration and optional funcs,
// without writing a struct per type. Only Name is mandatory: the default
// plan emits one item carrying the order payload, and the default apply
// summarizes the item results into the diff. Useful for tests, demos, and
// simple types whose domain effect lives elsewhere.
type Definition struct {
	Name            string
	PayloadSchema   RuleSet
	ResultRules     RuleSet
	PartRules       map[string]RuleSet // keyed by part key, "" is the fallback
	Required        []string           // required part keys for strict finalize
	AutoApprove     bool
	ItemMaxAttempts int

	PlanFunc     func(order *models.Order) ([]models.ItemSpec, error)
	ApplyFunc    func(order *models.Order, items []*models.Item) (*models.Diff, error)
	ApproveCheck func(order *models.Order, items []*models.Item) error
}

type definedType struct {
	Base
	def Definition
}

// New builds an OrderType from a definition
func New(def Definition) (OrderType, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("order type definition needs a name")
	}
	if def.ItemMaxAttempts <= 0 {
		def.ItemMaxAttempts = models.DefaultRetryPolicy().MaxAttempts
	}
	return &definedType{def: def}, nil
}

func (t *definedType) Type() string { return t.def.Name }

func (t *definedType) Schema() RuleSet { return t.def.PayloadSchema }

func (t *definedType) Plan(order *models.Order) ([]models.ItemSpec, error) {
	if t.def.PlanFunc != nil {
		return t.def.PlanFunc(order)
	}
	return []models.ItemSpec{{
		Type:        t.def.Name,
		Input:       order.Payload,
		MaxAttempts: t.def.ItemMaxAttempts,
	}}, nil
}

func (t *definedType) SubmissionRules(*models.Item) RuleSet { return t.def.ResultRules }

func (t *definedType) CanApprove(order *models.Order, items []*models.Item) error {
	if t.def.ApproveCheck != nil {
		return t.def.ApproveCheck(order, items)
	}
	return nil
}

func (t *definedType) ShouldAutoApprove() bool { return t.def.AutoApprove }

func (t *definedType) PartialRules(_ *models.Item, partKey string, _ int) RuleSet {
	if rules, ok := t.def.PartRules[partKey]; ok {
		return rules
	}
	return t.def.PartRules[""]
}

func (t *definedType) RequiredParts(*models.Item) []string { return t.def.Required }

func (t *definedType) Apply(order *models.Order, items []*models.Item) (*models.Diff, error) {
	if t.def.ApplyFunc != nil {
		return t.def.ApplyFunc(order, items)
	}
	after := make(map[string]interface{}, len(items))
	for _, item := range items {
		if item.Result != nil {
			after[item.ID] = item.Result
		}
	}
	return &models.Diff{
		Before:  map[string]interface{}{},
		After:   after,
		Summary: fmt.Sprintf("applied %d item results for order %s", len(after), order.ID),
	}, nil
}
