package assembler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/ordertype"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// docType exercises the full hook surface: per-key rules, a cross-part
// consistency check, and required keys for strict finalize.
type docType struct {
	ordertype.Base
}

func (docType) Type() string { return "document" }

func (docType) Plan(order *models.Order) ([]models.ItemSpec, error) {
	return []models.ItemSpec{{Type: "document", MaxAttempts: 3}}, nil
}

func (docType) PartialRules(_ *models.Item, partKey string, _ int) ordertype.RuleSet {
	switch partKey {
	case "header":
		return ordertype.RuleSet{Fields: map[string]ordertype.FieldRule{
			"title":    {Required: true, Type: "string"},
			"sections": {Required: true, Type: "number"},
		}}
	case "body":
		return ordertype.RuleSet{Fields: map[string]ordertype.FieldRule{
			"text": {Required: true, Type: "string", MinLen: 1},
		}}
	}
	return ordertype.RuleSet{}
}

// A body may not arrive before its header
func (docType) AfterValidatePart(_ *models.Item, part *models.Part, latest map[string]*models.Part) error {
	if part.PartKey == "body" {
		if _, ok := latest["header"]; !ok {
			return errors.New("body submitted before header")
		}
	}
	return nil
}

func (docType) RequiredParts(*models.Item) []string { return []string{"header", "body"} }

func (docType) Apply(order *models.Order, items []*models.Item) (*models.Diff, error) {
	return &models.Diff{Summary: "published"}, nil
}

type testEnv struct {
	store     *store.MemoryStore
	assembler *Assembler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	sm, err := statemachine.New(st)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := ordertype.NewRegistry(docType{})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{store: st, assembler: New(st, sm, reg, cfg)}
}

func (e *testEnv) seedHeldItem(t *testing.T, id string) {
	t.Helper()
	if err := e.store.CreateOrder(&models.Order{
		ID: "order-1", Type: "document", State: models.OrderStateInProgress, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	expires := time.Now().Add(time.Minute)
	if err := e.store.CreateItems([]*models.Item{{
		ID: id, OrderID: "order-1", Type: "document", State: models.ItemStateInProgress,
		HolderID: "worker-1", LeaseExpiresAt: &expires, MaxAttempts: 3, CreatedAt: time.Now(),
	}}); err != nil {
		t.Fatal(err)
	}
}

func headerPayload() map[string]interface{} {
	return map[string]interface{}{"title": "Q3 Report", "sections": float64(2)}
}

func TestSubmitPartStoresValidatedPart(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	part, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil)
	if err != nil {
		t.Fatalf("SubmitPart: %v", err)
	}
	if part.Status != models.PartStatusValidated {
		t.Errorf("status = %s, want validated", part.Status)
	}
	if part.Seq != 1 {
		t.Errorf("seq = %d, want auto-assigned 1", part.Seq)
	}
	if part.Checksum == "" {
		t.Error("checksum not computed")
	}

	item, _ := env.store.GetItem("item-1")
	if item.PartsState["header"] != models.PartStatusValidated {
		t.Errorf("parts state = %+v", item.PartsState)
	}
}

func TestSubmitPartNeverOverwrites(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
		t.Fatal(err)
	}
	second, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, map[string]interface{}{
		"title": "Q3 Report v2", "sections": float64(3),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 2 {
		t.Errorf("resubmission seq = %d, want 2", second.Seq)
	}

	parts, _ := env.store.ListParts("item-1")
	if len(parts) != 2 {
		t.Errorf("got %d parts, want both retained", len(parts))
	}
}

func TestSubmitPartRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	_, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, map[string]interface{}{
		"title": "no section count",
	}, nil)
	var rejected *PartRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *PartRejectedError, got %v", err)
	}
	var verr *ordertype.ValidationError
	if !errors.As(err, &verr) {
		t.Error("rejection does not carry field-level detail")
	}

	// The rejected part is stored for audit and reflected in the summary
	parts, _ := env.store.ListParts("item-1")
	if len(parts) != 1 || parts[0].Status != models.PartStatusRejected {
		t.Errorf("parts = %+v", parts)
	}
	item, _ := env.store.GetItem("item-1")
	if item.PartsState["header"] != models.PartStatusRejected {
		t.Errorf("parts state = %+v", item.PartsState)
	}

	// A corrected resubmission supersedes the rejected part
	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
		t.Fatalf("corrected resubmission: %v", err)
	}
	item, _ = env.store.GetItem("item-1")
	if item.PartsState["header"] != models.PartStatusValidated {
		t.Errorf("summary after correction = %+v", item.PartsState)
	}
}

func TestSubmitPartCrossPartValidation(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	_, err := env.assembler.SubmitPart("item-1", "worker-1", "body", 0, map[string]interface{}{
		"text": "content first",
	}, nil)
	var rejected *PartRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected cross-part rejection, got %v", err)
	}

	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "body", 0, map[string]interface{}{
		"text": "content after header",
	}, nil); err != nil {
		t.Errorf("body after header should validate: %v", err)
	}
}

func TestSubmitPartEnforcesLimits(t *testing.T) {
	env := newTestEnv(t, Config{MaxPartsPerItem: 2, MaxPartPayloadBytes: 64})
	env.seedHeldItem(t, "item-1")

	big := map[string]interface{}{"title": string(make([]byte, 128)), "sections": float64(1)}
	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, big, nil); !errors.Is(err, ErrPartTooLarge) {
		t.Errorf("expected ErrPartTooLarge, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); !errors.Is(err, ErrTooManyParts) {
		t.Errorf("expected ErrTooManyParts, got %v", err)
	}
}

func TestSubmitPartRequiresHeldItem(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	if err := env.store.CreateOrder(&models.Order{
		ID: "order-1", Type: "document", State: models.OrderStateQueued, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CreateItems([]*models.Item{{
		ID: "item-1", OrderID: "order-1", Type: "document", State: models.ItemStateQueued,
		MaxAttempts: 3, CreatedAt: time.Now(),
	}}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err == nil {
		t.Error("expected rejection for unheld item")
	}
}

func TestFinalizeStrictRequiresAllParts(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
		t.Fatal(err)
	}

	_, err := env.assembler.Finalize("item-1", FinalizeStrict)
	var incomplete *AssemblyIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected *AssemblyIncompleteError, got %v", err)
	}
	if len(incomplete.Missing) != 1 || incomplete.Missing[0] != "body" {
		t.Errorf("missing = %v, want [body]", incomplete.Missing)
	}

	// Item stays held and in progress after a failed finalize
	item, _ := env.store.GetItem("item-1")
	if item.State != models.ItemStateInProgress {
		t.Errorf("state = %s after failed finalize", item.State)
	}
}

func TestFinalizeAssemblesLatestValidatedParts(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "body", 0, map[string]interface{}{
		"text": "draft",
	}, nil); err != nil {
		t.Fatal(err)
	}
	// A later body supersedes the draft
	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "body", 0, map[string]interface{}{
		"text": "final",
	}, nil); err != nil {
		t.Fatal(err)
	}

	item, err := env.assembler.Finalize("item-1", FinalizeStrict)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if item.State != models.ItemStateSubmitted {
		t.Errorf("state = %s, want submitted", item.State)
	}
	if item.HolderID != "" || item.LeaseExpiresAt != nil {
		t.Error("lease not cleared on submission")
	}

	body, ok := item.Result["body"].(map[string]interface{})
	if !ok || body["text"] != "final" {
		t.Errorf("assembled result should use the latest body, got %+v", item.Result)
	}
	header, ok := item.Result["header"].(map[string]interface{})
	if !ok || header["title"] != "Q3 Report" {
		t.Errorf("assembled result missing header, got %+v", item.Result)
	}
}

func TestFinalizeLenientSkipsMissingParts(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
		t.Fatal(err)
	}

	item, err := env.assembler.Finalize("item-1", FinalizeLenient)
	if err != nil {
		t.Fatalf("lenient Finalize: %v", err)
	}
	if item.State != models.ItemStateSubmitted {
		t.Errorf("state = %s, want submitted", item.State)
	}
	if _, ok := item.Result["body"]; ok {
		t.Error("lenient finalize invented a missing part")
	}
}

func TestFinalizeIgnoresRejectedParts(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	// Only a rejected header exists; strict finalize must treat it as absent
	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, map[string]interface{}{
		"title": "no sections",
	}, nil); err == nil {
		t.Fatal("expected rejection")
	}

	_, err := env.assembler.Finalize("item-1", FinalizeStrict)
	var incomplete *AssemblyIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected *AssemblyIncompleteError, got %v", err)
	}
	for _, key := range incomplete.Missing {
		if key == "header" {
			return
		}
	}
	t.Errorf("header should be missing, got %v", incomplete.Missing)
}

func TestSeqAssignmentPerKey(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seedHeldItem(t, "item-1")

	if _, err := env.assembler.SubmitPart("item-1", "worker-1", "header", 0, headerPayload(), nil); err != nil {
		t.Fatal(err)
	}
	body, err := env.assembler.SubmitPart("item-1", "worker-1", "body", 0, map[string]interface{}{"text": "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if body.Seq != 1 {
		t.Errorf("first body seq = %d, sequences are per key", body.Seq)
	}

	for i := 2; i <= 3; i++ {
		p, err := env.assembler.SubmitPart("item-1", "worker-1", "body", 0, map[string]interface{}{
			"text": fmt.Sprintf("rev %d", i),
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if p.Seq != i {
			t.Errorf("body seq = %d, want %d", p.Seq, i)
		}
	}
}
