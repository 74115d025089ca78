package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/policy"
	"github.com/m-mizutani/gt"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := policy.New(ctx, "")
	gt.NoError(t, err)

	caps, err := e.Capabilities(ctx, &policy.Input{
		IdentityKind: model.IdentityKindGuest,
		Category:     model.IntentBooking,
	})
	gt.NoError(t, err)
	gt.Equal(t, caps, model.CapAll)

	caps, err = e.Capabilities(ctx, &policy.Input{
		IdentityKind: model.IdentityKindAuthenticated,
		Category:     model.IntentInformation,
	})
	gt.NoError(t, err)
	gt.True(t, caps.Has(model.CapGenerate|model.CapMemoryRecall|model.CapMemoryRecord|model.CapSummaryRefresh))
	gt.False(t, caps.Has(model.CapBookingAction))
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	custom := `package carebot

capabilities contains "generate"

capabilities contains "memory_recall" if {
	input.identity_kind == "authenticated"
}

capabilities contains "not_a_capability"
`
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "caps.rego"), []byte(custom), 0644))

	e, err := policy.New(ctx, dir)
	gt.NoError(t, err)

	caps, err := e.Capabilities(ctx, &policy.Input{IdentityKind: model.IdentityKindGuest, Category: model.IntentGeneral})
	gt.NoError(t, err)
	gt.Equal(t, caps, model.CapGenerate)

	caps, err = e.Capabilities(ctx, &policy.Input{IdentityKind: model.IdentityKindAuthenticated, Category: model.IntentGeneral})
	gt.NoError(t, err)
	gt.Equal(t, caps, model.CapGenerate|model.CapMemoryRecall)
}

func TestEmptyPolicyDirUsesDefault(t *testing.T) {
	ctx := context.Background()
	e, err := policy.New(ctx, t.TempDir())
	gt.NoError(t, err)

	caps, err := e.Capabilities(ctx, &policy.Input{Category: model.IntentModification})
	gt.NoError(t, err)
	gt.Equal(t, caps, model.CapAll)
}

func TestInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package carebot\n\ncapabilities contains {"), 0644))

	_, err := policy.New(context.Background(), dir)
	gt.Error(t, err)
}
