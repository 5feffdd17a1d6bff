// Package assembler handles incremental result submission. Holders submit an
// item's result in parts keyed by caller-chosen labels; parts are append-only
// with latest-by-sequence winning, and finalize combines the latest validated
// part per key into the item's result through the domain plugin. All domain
// judgment lives in the plugin; this package does bookkeeping and
// required-key enforcement.
package assembler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gregpriday/go-work-manager/pkg/idempotency"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/ordertype"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

var (
	ErrTooManyParts = errors.New("part limit for item exceeded")
	ErrPartTooLarge = errors.New("part payload exceeds size limit")
)

// PartRejectedError reports a part that failed validation. The rejected part
// is stored for audit; the holder fixes and resubmits under the same key.
type PartRejectedError struct {
	ItemID  string
	PartKey string
	Cause   error
}

func (e *PartRejectedError) Error() string {
	return fmt.Sprintf("part %q for item %s rejected: %v", e.PartKey, e.ItemID, e.Cause)
}

func (e *PartRejectedError) Unwrap() error { return e.Cause }

// AssemblyIncompleteError reports required part keys with no validated part
type AssemblyIncompleteError struct {
	ItemID  string
	Missing []string
}

func (e *AssemblyIncompleteError) Error() string {
	return fmt.Sprintf("assembly incomplete for item %s: missing validated parts %v", e.ItemID, e.Missing)
}

// FinalizeMode selects required-part enforcement
type FinalizeMode string

const (
	FinalizeStrict  FinalizeMode = "strict"
	FinalizeLenient FinalizeMode = "lenient"
)

// Config bounds part submission
type Config struct {
	MaxPartsPerItem     int // 0 = unlimited
	MaxPartPayloadBytes int // 0 = unlimited
}

// DefaultConfig returns stock submission limits
func DefaultConfig() Config {
	return Config{MaxPartsPerItem: 100, MaxPartPayloadBytes: 1 << 20}
}

// Assembler stores parts and finalizes items from them
type Assembler struct {
	store    store.Store
	sm       *statemachine.StateMachine
	registry *ordertype.Registry
	cfg      Config
}

// New creates an assembler
func New(st store.Store, sm *statemachine.StateMachine, registry *ordertype.Registry, cfg Config) *Assembler {
	return &Assembler{store: st, sm: sm, registry: registry, cfg: cfg}
}

// SubmitPart validates and stores one part. Parts are never overwritten: a
// resubmission under the same key gets the next sequence number and becomes
// the latest. A part that fails validation is stored with rejected status and
// the call returns a PartRejectedError.
func (a *Assembler) SubmitPart(itemID, holder, partKey string, seq int, payload, evidence map[string]interface{}) (*models.Part, error) {
	if partKey == "" {
		return nil, errors.New("part key is required")
	}
	item, err := a.store.GetItem(itemID)
	if err != nil {
		return nil, err
	}
	if item.State != models.ItemStateLeased && item.State != models.ItemStateInProgress {
		return nil, fmt.Errorf("item %s is %s, parts are only accepted while held", itemID, item.State)
	}

	plugin, err := a.registry.Resolve(item.Type)
	if err != nil {
		return nil, err
	}

	existing, err := a.store.ListParts(itemID)
	if err != nil {
		return nil, err
	}
	if a.cfg.MaxPartsPerItem > 0 && len(existing) >= a.cfg.MaxPartsPerItem {
		return nil, fmt.Errorf("%w: item %s already has %d parts", ErrTooManyParts, itemID, len(existing))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode part payload: %w", err)
	}
	if a.cfg.MaxPartPayloadBytes > 0 && len(raw) > a.cfg.MaxPartPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPartTooLarge, len(raw))
	}

	if seq <= 0 {
		seq = nextSeq(existing, partKey)
	}
	checksum, err := idempotency.Fingerprint(payload)
	if err != nil {
		return nil, err
	}

	part := &models.Part{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		PartKey:     partKey,
		Seq:         seq,
		Status:      models.PartStatusValidated,
		Payload:     payload,
		Evidence:    evidence,
		Checksum:    checksum,
		SubmittedBy: holder,
		CreatedAt:   time.Now(),
	}

	var rejection error
	if err := plugin.PartialRules(item, partKey, seq).Validate(payload); err != nil {
		rejection = err
	} else if err := plugin.AfterValidatePart(item, part, latestValidated(existing)); err != nil {
		rejection = err
	}
	if rejection != nil {
		part.Status = models.PartStatusRejected
	}

	if err := a.store.SavePart(part, summarize(append(existing, part))); err != nil {
		return nil, err
	}
	a.recordPartEvent(item, part, rejection)

	if rejection != nil {
		return part, &PartRejectedError{ItemID: itemID, PartKey: partKey, Cause: rejection}
	}
	return part, nil
}

// Finalize assembles the latest validated part per key into the item's
// result and submits the item. Strict mode requires every plugin-declared
// required part key to have a validated part.
func (a *Assembler) Finalize(itemID string, mode FinalizeMode) (*models.Item, error) {
	item, err := a.store.GetItem(itemID)
	if err != nil {
		return nil, err
	}
	plugin, err := a.registry.Resolve(item.Type)
	if err != nil {
		return nil, err
	}

	parts, err := a.store.ListParts(itemID)
	if err != nil {
		return nil, err
	}
	latest := latestValidated(parts)

	if mode != FinalizeLenient {
		var missing []string
		for _, key := range plugin.RequiredParts(item) {
			if _, ok := latest[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, &AssemblyIncompleteError{ItemID: itemID, Missing: missing}
		}
	}

	assembled, err := plugin.Assemble(item, latest)
	if err != nil {
		return nil, fmt.Errorf("assemble item %s: %w", itemID, err)
	}
	if err := plugin.ValidateAssembled(item, assembled); err != nil {
		return nil, err
	}

	return a.sm.TransitionItem(itemID, models.ItemStateSubmitted, statemachine.Change{
		Actor:   models.Actor{Type: "agent", ID: item.HolderID},
		Message: fmt.Sprintf("assembled from %d parts (%s)", len(latest), mode),
	}, func(i *models.Item) {
		i.Result = assembled
		i.AssembledResult = assembled
		i.ClearLease()
	})
}

func (a *Assembler) recordPartEvent(item *models.Item, part *models.Part, rejection error) {
	payload := map[string]interface{}{
		"part_key": part.PartKey,
		"seq":      part.Seq,
		"status":   string(part.Status),
	}
	if rejection != nil {
		payload["reason"] = rejection.Error()
	}
	event := &models.Event{
		OrderID:   item.OrderID,
		ItemID:    item.ID,
		Type:      models.EventPartSubmitted,
		ActorType: "agent",
		ActorID:   part.SubmittedBy,
		Payload:   payload,
		Message:   fmt.Sprintf("part %q seq %d %s", part.PartKey, part.Seq, part.Status),
	}
	if err := a.sm.RecordEvent(event); err != nil {
		// The part row is already committed; a lost audit event is logged
		// by the store layer and not worth failing the submission over.
		_ = err
	}
}

// latestValidated returns the highest-sequence validated part per key
func latestValidated(parts []*models.Part) map[string]*models.Part {
	latest := make(map[string]*models.Part)
	for _, p := range parts {
		if p.Status != models.PartStatusValidated {
			continue
		}
		if cur, ok := latest[p.PartKey]; !ok || p.Seq > cur.Seq {
			latest[p.PartKey] = p
		}
	}
	return latest
}

// summarize materializes partKey -> status of the latest part per key
func summarize(parts []*models.Part) map[string]models.PartStatus {
	type top struct {
		seq    int
		status models.PartStatus
	}
	tops := make(map[string]top)
	for _, p := range parts {
		if cur, ok := tops[p.PartKey]; !ok || p.Seq > cur.seq {
			tops[p.PartKey] = top{seq: p.Seq, status: p.Status}
		}
	}
	summary := make(map[string]models.PartStatus, len(tops))
	for key, t := range tops {
		summary[key] = t.status
	}
	return summary
}

func nextSeq(parts []*models.Part, partKey string) int {
	max := 0
	for _, p := range parts {
		if p.PartKey == partKey && p.Seq > max {
			max = p.Seq
		}
	}
	return max + 1
}
