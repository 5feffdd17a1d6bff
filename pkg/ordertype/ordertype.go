// Package ordertype defines the domain plugin contract the coordinator calls
// into. An OrderType supplies the domain knowledge for one kind of order:
// how to validate its payload, break it into items, judge submissions, and
// apply the approved result. Everything else stays in the core.
package ordertype

import (
	"errors"
	"fmt"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// ErrUnknownType signals a proposal or lookup for an unregistered order type
var ErrUnknownType = errors.New("unknown order type")

// OrderType is the domain plugin interface. Embed Base to get sensible
// defaults for every optional hook and override what the domain needs.
//
// Apply must be idempotent. After a crash between the apply call and the
// recording of its result, the coordinator re-invokes Apply for the same
// order, so a second invocation with unchanged items must produce a
// structurally equal Diff and no duplicated side effects.
type OrderType interface {
	// Type returns the unique type string orders of this kind carry
	Type() string

	// Schema declares payload constraints checked at proposal time
	Schema() RuleSet

	// Plan breaks a validated order into work items
	Plan(order *models.Order) ([]models.ItemSpec, error)

	// SubmissionRules declares constraints on a complete item result
	SubmissionRules(item *models.Item) RuleSet

	// AfterValidateSubmission runs custom checks after the rule set passes
	AfterValidateSubmission(item *models.Item, result map[string]interface{}) error

	// CanApprove is the strategic gate before approval. A nil return means
	// the order may be approved; an error carries the reason.
	CanApprove(order *models.Order, items []*models.Item) error

	// ShouldAutoApprove reports whether a fully submitted order should be
	// approved and applied without an explicit approval call
	ShouldAutoApprove() bool

	// PartialRules declares constraints on one incremental part payload
	PartialRules(item *models.Item, partKey string, seq int) RuleSet

	// AfterValidatePart runs cross-part checks. latest holds the most
	// recent validated part per key, for consistency checks against
	// earlier submissions.
	AfterValidatePart(item *models.Item, part *models.Part, latest map[string]*models.Part) error

	// RequiredParts lists part keys that must have a validated part before
	// a strict finalize can assemble the item
	RequiredParts(item *models.Item) []string

	// Assemble combines the latest validated part per key into the item's
	// result
	Assemble(item *models.Item, parts map[string]*models.Part) (map[string]interface{}, error)

	// ValidateAssembled checks the combined result as a whole
	ValidateAssembled(item *models.Item, assembled map[string]interface{}) error

	// BeforeApply runs just before Apply, after the order is approved
	BeforeApply(order *models.Order, items []*models.Item) error

	// Apply performs the domain effect and reports what changed
	Apply(order *models.Order, items []*models.Item) (*models.Diff, error)

	// AfterApply runs after the diff is recorded
	AfterApply(order *models.Order, diff *models.Diff) error
}

// Base provides default implementations for every optional hook. Domain
// types embed it and override Type, Plan, Apply, and whichever hooks they
// care about.
type Base struct{}

func (Base) Schema() RuleSet { return RuleSet{} }

func (Base) SubmissionRules(*models.Item) RuleSet { return RuleSet{} }

func (Base) AfterValidateSubmission(*models.Item, map[string]interface{}) error { return nil }

func (Base) CanApprove(*models.Order, []*models.Item) error { return nil }

func (Base) ShouldAutoApprove() bool { return false }

func (Base) PartialRules(*models.Item, string, int) RuleSet { return RuleSet{} }

func (Base) AfterValidatePart(*models.Item, *models.Part, map[string]*models.Part) error { return nil }

func (Base) RequiredParts(*models.Item) []string { return nil }

// Assemble defaults to keying each latest part payload by its part key
func (Base) Assemble(_ *models.Item, parts map[string]*models.Part) (map[string]interface{}, error) {
	assembled := make(map[string]interface{}, len(parts))
	for key, part := range parts {
		assembled[key] = part.Payload
	}
	return assembled, nil
}

func (Base) ValidateAssembled(*models.Item, map[string]interface{}) error { return nil }

func (Base) BeforeApply(*models.Order, []*models.Item) error { return nil }

func (Base) AfterApply(*models.Order, *models.Diff) error { return nil }

// Registry resolves type strings to plugins. It is built once at startup and
// passed into the coordinator; there is no global registry.
type Registry struct {
	types map[string]OrderType
}

// NewRegistry builds a registry from the given types. Duplicate type strings
// are a construction error.
func NewRegistry(types ...OrderType) (*Registry, error) {
	r := &Registry{types: make(map[string]OrderType, len(types))}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds one plugin to the registry
func (r *Registry) Register(t OrderType) error {
	name := t.Type()
	if name == "" {
		return errors.New("order type has an empty type string")
	}
	if _, exists := r.types[name]; exists {
		return fmt.Errorf("order type %q registered twice", name)
	}
	r.types[name] = t
	return nil
}

// Resolve returns the plugin for a type string
func (r *Registry) Resolve(name string) (OrderType, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// Types lists registered type strings
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}
