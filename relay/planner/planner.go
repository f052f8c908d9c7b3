// Package planner turns one resolved request into the ordered candidate list
// the fallback loop walks: alias resolution, eligibility filtering, health
// gating, deterministic ordering, and affinity hoisting.
package planner

import (
	"context"
	"sort"

	"github.com/Laisky/errors/v2"

	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/adaptor"
	"github.com/llmgate/llmgate/relay/affinity"
	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/capability"
	"github.com/llmgate/llmgate/relay/health"
)

// Candidate reason codes.
const (
	ReasonPriority = "priority"
	ReasonAffinity = "affinity"
)

var ErrModelNotFound = errors.New("requested model is not served")

// Candidate is one (provider, endpoint, key) triple eligible for the request.
type Candidate struct {
	Provider    *model.Provider
	Endpoint    *model.Endpoint
	Key         *model.ProviderKey
	GlobalModel *model.GlobalModel
	Impl        *model.ModelImpl

	// UpstreamModel is the model name placed in the outbound request.
	UpstreamModel string
	ReasonCode    string
	Score         float64
	// Affine marks the hoisted affinity target; it may consume reserved slots.
	Affine bool
}

// Planner owns candidate production. The health monitor gates open circuits
// and scores ordering; the affinity manager hoists sticky targets.
type Planner struct {
	monitor  *health.Monitor
	affinity *affinity.Manager
}

func New(monitor *health.Monitor, affinityMgr *affinity.Manager) *Planner {
	return &Planner{monitor: monitor, affinity: affinityMgr}
}

// resolution is the per-provider outcome of alias resolution.
type resolution struct {
	globalModelId int
	rename        bool
}

// resolveModel applies alias mappings: a provider-scoped mapping wins over the
// global one, which wins over a direct global-model name match.
func resolveModel(requested string) (defaultRes *resolution, perProvider map[int]*resolution, err error) {
	mappings, err := model.CacheGetModelMappings(requested)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolve model mappings")
	}
	perProvider = make(map[int]*resolution)
	for _, m := range mappings {
		res := &resolution{globalModelId: m.TargetGlobalModelId, rename: m.MappingType == model.MappingTypeMapping}
		if m.ProviderId == nil {
			defaultRes = res
		} else {
			perProvider[*m.ProviderId] = res
		}
	}
	if defaultRes == nil {
		gm, err := model.GetGlobalModelByName(requested)
		if err == nil {
			defaultRes = &resolution{globalModelId: gm.Id}
		}
	}
	if defaultRes == nil && len(perProvider) == 0 {
		return nil, nil, ErrModelNotFound
	}
	return defaultRes, perProvider, nil
}

// Plan builds the ordered candidate list for one request.
func (p *Planner) Plan(ctx context.Context, req *adaptor.ResolvedRequest, clientKey *model.ApiKey, user *model.User) ([]*Candidate, error) {
	mergeForcedCapabilities(req, clientKey, user)

	defaultRes, perProvider, err := resolveModel(req.Model)
	if err != nil {
		return nil, err
	}

	providers, err := model.CacheGetEnabledProviders()
	if err != nil {
		return nil, errors.Wrap(err, "load providers")
	}
	endpoints, err := model.CacheGetEnabledEndpoints()
	if err != nil {
		return nil, errors.Wrap(err, "load endpoints")
	}
	keys, err := model.CacheGetEnabledProviderKeys()
	if err != nil {
		return nil, errors.Wrap(err, "load provider keys")
	}

	endpointsByProvider := make(map[int][]*model.Endpoint)
	for _, e := range endpoints {
		endpointsByProvider[e.ProviderId] = append(endpointsByProvider[e.ProviderId], e)
	}
	keysByEndpoint := make(map[int][]*model.ProviderKey)
	for _, k := range keys {
		keysByEndpoint[k.EndpointId] = append(keysByEndpoint[k.EndpointId], k)
	}

	var candidates []*Candidate
	for _, provider := range providers {
		if !allowedBy(clientKey.GetAllowedProviders(), provider.Name) ||
			(user != nil && !allowedBy(user.GetAllowedProviders(), provider.Name)) {
			continue
		}
		if !provider.HasMonthlyQuota() {
			continue
		}

		res := perProvider[provider.Id]
		if res == nil {
			res = defaultRes
		}
		if res == nil {
			continue
		}
		gm, err := model.CacheGetGlobalModelById(res.globalModelId)
		if err != nil {
			continue
		}
		if !allowedBy(clientKey.GetAllowedModels(), req.Model, gm.Name) ||
			(user != nil && !allowedBy(user.GetAllowedModels(), req.Model, gm.Name)) {
			continue
		}
		impl, err := model.GetModelImpl(provider.Id, gm.Id)
		if err != nil {
			continue
		}

		for _, endpoint := range endpointsByProvider[provider.Id] {
			if !apiformat.Compatible(req.APIFormat, endpoint.APIFormat) {
				continue
			}
			if !allowedBy(clientKey.GetAllowedAPIFormats(), endpoint.APIFormat) ||
				(user != nil && !allowedBy(user.GetAllowedAPIFormats(), endpoint.APIFormat)) {
				continue
			}
			for _, key := range keysByEndpoint[endpoint.Id] {
				if models := key.GetAllowedModels(); models != nil && !allowedBy(models, gm.Name) {
					continue
				}
				if !capability.Match(req.Requirements, key) {
					continue
				}
				if !p.monitor.Allows(key.Id) {
					continue
				}
				upstreamModel := req.Model
				if res.rename || impl.ProviderModelName != "" {
					upstreamModel = impl.UpstreamModelName(gm.Name)
				}
				candidates = append(candidates, &Candidate{
					Provider:      provider,
					Endpoint:      endpoint,
					Key:           key,
					GlobalModel:   gm,
					Impl:          impl,
					UpstreamModel: upstreamModel,
					ReasonCode:    ReasonPriority,
					Score:         p.monitor.Score(key.Id),
				})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Provider.Priority != b.Provider.Priority {
			return a.Provider.Priority < b.Provider.Priority
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Key.Id < b.Key.Id
	})

	p.hoistAffinity(ctx, req, clientKey, candidates)
	return candidates, nil
}

// hoistAffinity moves the sticky target, when still eligible, to the front.
func (p *Planner) hoistAffinity(ctx context.Context, req *adaptor.ResolvedRequest, clientKey *model.ApiKey, candidates []*Candidate) {
	if p.affinity == nil || len(candidates) == 0 {
		return
	}
	rec, ok := p.affinity.Lookup(ctx, clientKey.Id, req.APIFormat, req.Model)
	if !ok {
		return
	}
	for i, c := range candidates {
		if c.Key.Id != rec.KeyId {
			continue
		}
		c.ReasonCode = ReasonAffinity
		c.Affine = true
		copy(candidates[1:i+1], candidates[:i])
		candidates[0] = c
		return
	}
}

// mergeForcedCapabilities folds the client key's and user's forced capability
// names into the requirement bag.
func mergeForcedCapabilities(req *adaptor.ResolvedRequest, clientKey *model.ApiKey, user *model.User) {
	if req.Requirements == nil {
		req.Requirements = make(map[string]bool)
	}
	for _, name := range clientKey.GetForceCapabilities() {
		req.Requirements[name] = true
	}
	if user != nil {
		for _, name := range user.GetForcedCapabilities() {
			req.Requirements[name] = true
		}
	}
}

// allowedBy checks a comma-list allow-list; an unset list allows everything,
// a set list must contain one of the given names.
func allowedBy(list []string, names ...string) bool {
	if list == nil {
		return true
	}
	for _, name := range names {
		for _, allowed := range list {
			if allowed == name {
				return true
			}
		}
	}
	return false
}
