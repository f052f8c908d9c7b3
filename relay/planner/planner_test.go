package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/adaptor"
	"github.com/llmgate/llmgate/relay/affinity"
	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/capability"
	"github.com/llmgate/llmgate/relay/health"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:plan_%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	model.DB = db
	require.NoError(t, db.AutoMigrate(
		&model.Provider{}, &model.Endpoint{}, &model.ProviderKey{},
		&model.GlobalModel{}, &model.ModelImpl{}, &model.ModelMapping{},
	))
	model.InvalidateEntityCaches()
	t.Cleanup(model.InvalidateEntityCaches)
}

// seedStack creates two providers serving the same claude model:
// P1 (priority 1) with keys K1, K2 and P2 (priority 2) with key K3.
func seedStack(t *testing.T) *model.GlobalModel {
	t.Helper()
	gm := &model.GlobalModel{Name: "claude-3-5-sonnet"}
	require.NoError(t, model.DB.Create(gm).Error)

	p1 := &model.Provider{Id: 1, Name: "p1", Priority: 1, Status: model.ProviderStatusEnabled}
	p2 := &model.Provider{Id: 2, Name: "p2", Priority: 2, Status: model.ProviderStatusEnabled}
	require.NoError(t, model.DB.Create([]*model.Provider{p1, p2}).Error)

	e1 := &model.Endpoint{Id: 1, ProviderId: 1, APIFormat: apiformat.Claude, BaseURL: "https://p1.example", Status: model.EndpointStatusEnabled}
	e2 := &model.Endpoint{Id: 2, ProviderId: 2, APIFormat: apiformat.Claude, BaseURL: "https://p2.example", Status: model.EndpointStatusEnabled}
	require.NoError(t, model.DB.Create([]*model.Endpoint{e1, e2}).Error)

	k1 := &model.ProviderKey{Id: 1, EndpointId: 1, Status: model.ProviderKeyStatusEnabled}
	k2 := &model.ProviderKey{Id: 2, EndpointId: 1, Status: model.ProviderKeyStatusEnabled}
	k3 := &model.ProviderKey{Id: 3, EndpointId: 2, Status: model.ProviderKeyStatusEnabled}
	require.NoError(t, model.DB.Create([]*model.ProviderKey{k1, k2, k3}).Error)

	i1 := &model.ModelImpl{ProviderId: 1, GlobalModelId: gm.Id, Status: model.ModelImplStatusEnabled}
	i2 := &model.ModelImpl{ProviderId: 2, GlobalModelId: gm.Id, Status: model.ModelImplStatusEnabled}
	require.NoError(t, model.DB.Create([]*model.ModelImpl{i1, i2}).Error)
	return gm
}

func newTestPlanner(t *testing.T) (*Planner, *health.Monitor, *affinity.Manager) {
	t.Helper()
	monitor := health.NewMonitor(nil)
	mgr, err := affinity.NewManager(nil, nil)
	require.NoError(t, err)
	return New(monitor, mgr), monitor, mgr
}

func claudeRequest(modelName string) *adaptor.ResolvedRequest {
	return &adaptor.ResolvedRequest{
		APIFormat:    apiformat.Claude,
		Model:        modelName,
		Requirements: map[string]bool{},
	}
}

func keyIds(candidates []*Candidate) []int {
	ids := make([]int, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Key.Id)
	}
	return ids
}

func TestPlanOrdering(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	p, _, _ := newTestPlanner(t)

	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, keyIds(candidates), "priority then key id")
	for _, c := range candidates {
		require.Equal(t, ReasonPriority, c.ReasonCode)
		require.Equal(t, "claude-3-5-sonnet", c.UpstreamModel)
	}
}

func TestPlanHealthOrdering(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	p, monitor, _ := newTestPlanner(t)

	// K1 degraded but closed: drops behind K2 within the same provider
	monitor.RecordFailure(1)
	monitor.RecordFailure(1)

	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 3}, keyIds(candidates))
}

func TestPlanFiltersOpenCircuit(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	p, monitor, _ := newTestPlanner(t)

	for i := 0; i < 5; i++ {
		monitor.RecordFailure(1)
	}
	require.Equal(t, health.StateOpen, monitor.Status(1))

	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, keyIds(candidates))
}

func TestPlanAffinityHoisting(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	p, _, mgr := newTestPlanner(t)
	ctx := context.Background()

	mgr.Touch(ctx, 9, apiformat.Claude, "claude-3-5-sonnet", 2, 2, 3)

	candidates, err := p.Plan(ctx, claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 9}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{3, 1, 2}, keyIds(candidates))
	require.Equal(t, ReasonAffinity, candidates[0].ReasonCode)
	require.True(t, candidates[0].Affine)
	require.Equal(t, ReasonPriority, candidates[1].ReasonCode)
}

func TestPlanAffinityToIneligibleTargetIgnored(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	p, monitor, mgr := newTestPlanner(t)
	ctx := context.Background()

	mgr.Touch(ctx, 9, apiformat.Claude, "claude-3-5-sonnet", 2, 2, 3)
	for i := 0; i < 5; i++ {
		monitor.RecordFailure(3)
	}

	candidates, err := p.Plan(ctx, claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 9}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, keyIds(candidates))
	require.False(t, candidates[0].Affine)
}

func TestPlanCompatibleFormats(t *testing.T) {
	setupTestDB(t)
	gm := seedStack(t)

	// a claude_cli endpoint also serves inbound claude traffic
	e3 := &model.Endpoint{Id: 3, ProviderId: 1, APIFormat: apiformat.ClaudeCLI, Status: model.EndpointStatusEnabled}
	require.NoError(t, model.DB.Create(e3).Error)
	k4 := &model.ProviderKey{Id: 4, EndpointId: 3, Status: model.ProviderKeyStatusEnabled}
	require.NoError(t, model.DB.Create(k4).Error)
	model.InvalidateEntityCaches()
	_ = gm

	p, _, _ := newTestPlanner(t)
	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 4, 3}, keyIds(candidates))
}

func TestPlanCapabilityFilter(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	// K2 advertises the premium cache tier
	require.NoError(t, model.DB.Model(&model.ProviderKey{}).Where("id = ?", 2).
		Update("capabilities", capability.Cache1H).Error)
	model.InvalidateEntityCaches()

	p, _, _ := newTestPlanner(t)

	// no cache requirement: the premium key is excluded to avoid its pricing
	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, keyIds(candidates))

	// cache requirement: only the premium key remains
	req := claudeRequest("claude-3-5-sonnet")
	req.Requirements[capability.Cache1H] = true
	candidates, err = p.Plan(context.Background(), req, &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2}, keyIds(candidates))
}

func TestPlanForcedCapabilities(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	require.NoError(t, model.DB.Model(&model.ProviderKey{}).Where("id = ?", 2).
		Update("capabilities", capability.Cache1H).Error)
	model.InvalidateEntityCaches()

	p, _, _ := newTestPlanner(t)
	clientKey := &model.ApiKey{Id: 1, ForceCapabilities: capability.Cache1H}

	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), clientKey, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2}, keyIds(candidates))
}

func TestPlanAllowLists(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	p, _, _ := newTestPlanner(t)

	clientKey := &model.ApiKey{Id: 1, AllowedProviders: "p2"}
	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), clientKey, nil)
	require.NoError(t, err)
	require.Equal(t, []int{3}, keyIds(candidates))

	user := &model.User{AllowedProviders: "p1"}
	candidates, err = p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, user)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, keyIds(candidates))
}

func TestPlanKeyAllowedModels(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	require.NoError(t, model.DB.Model(&model.ProviderKey{}).Where("id = ?", 1).
		Update("allowed_models", "other-model").Error)
	model.InvalidateEntityCaches()

	p, _, _ := newTestPlanner(t)
	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, keyIds(candidates))
}

func TestPlanMonthlyQuotaExhaustedProviderSkipped(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	require.NoError(t, model.DB.Model(&model.Provider{}).Where("id = ?", 1).Updates(map[string]any{
		"billing_type":      model.BillingMonthlyQuota,
		"monthly_quota_usd": 10,
		"monthly_used_usd":  10,
	}).Error)
	model.InvalidateEntityCaches()

	p, _, _ := newTestPlanner(t)
	candidates, err := p.Plan(context.Background(), claudeRequest("claude-3-5-sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{3}, keyIds(candidates))
}

func TestPlanAliasResolution(t *testing.T) {
	setupTestDB(t)
	gm := seedStack(t)

	gm2 := &model.GlobalModel{Name: "claude-3-5-sonnet-v2"}
	require.NoError(t, model.DB.Create(gm2).Error)
	i3 := &model.ModelImpl{ProviderId: 2, GlobalModelId: gm2.Id, ProviderModelName: "sonnet-v2-compat", Status: model.ModelImplStatusEnabled}
	require.NoError(t, model.DB.Create(i3).Error)

	// global alias points at gm, provider-scoped mapping for P2 wins and renames
	require.NoError(t, model.DB.Create(&model.ModelMapping{
		SourceModel: "sonnet", TargetGlobalModelId: gm.Id, MappingType: model.MappingTypeAlias,
	}).Error)
	providerId := 2
	require.NoError(t, model.DB.Create(&model.ModelMapping{
		SourceModel: "sonnet", TargetGlobalModelId: gm2.Id, ProviderId: &providerId, MappingType: model.MappingTypeMapping,
	}).Error)
	model.InvalidateEntityCaches()

	p, _, _ := newTestPlanner(t)
	candidates, err := p.Plan(context.Background(), claudeRequest("sonnet"), &model.ApiKey{Id: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, keyIds(candidates))

	// P1 keys keep the client's name (alias), P2's key renames (mapping)
	require.Equal(t, "sonnet", candidates[0].UpstreamModel)
	require.Equal(t, gm.Id, candidates[0].GlobalModel.Id)
	require.Equal(t, "sonnet-v2-compat", candidates[2].UpstreamModel)
	require.Equal(t, gm2.Id, candidates[2].GlobalModel.Id)
}

func TestPlanUnknownModel(t *testing.T) {
	setupTestDB(t)
	seedStack(t)
	p, _, _ := newTestPlanner(t)

	_, err := p.Plan(context.Background(), claudeRequest("nonexistent"), &model.ApiKey{Id: 1}, nil)
	require.ErrorIs(t, err, ErrModelNotFound)
}
