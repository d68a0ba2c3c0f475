package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/brokerproxy/internal/model"
)

type mockAPI struct {
	mu           sync.Mutex
	contributors []string
	listErr      error
	cancelErr    error
	cancelled    []int64
	listCalls    int
}

func (m *mockAPI) CancelWorkflowRun(_ context.Context, _, _ string, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, runID)
	return m.cancelErr
}

func (m *mockAPI) ListContributors(context.Context, string, string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return m.contributors, m.listErr
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		filter       Filter
		actor        string
		contributors []string
		admit        bool
	}{
		{"everyone admits anyone", Filter{Scope: ScopeEveryone}, "mallory", nil, true},
		{"empty scope admits", Filter{}, "mallory", nil, true},
		{"just-me admits self", Filter{Scope: ScopeTrigger, Policy: PolicyJustMe}, "me", nil, true},
		{"just-me is case-insensitive", Filter{Scope: ScopeTrigger, Policy: PolicyJustMe}, "ME", nil, true},
		{"just-me rejects others", Filter{Scope: ScopeTrigger, Policy: PolicyJustMe}, "alice", nil, false},
		{"just-me ignores allowlist", Filter{Scope: ScopeTrigger, Policy: PolicyJustMe, AllowedUsers: []string{"alice"}}, "alice", nil, false},
		{"allowlist admits listed", Filter{Scope: ScopeTrigger, Policy: PolicyAllowlist, AllowedUsers: []string{"Alice"}}, "alice", nil, true},
		{"allowlist admits self implicitly", Filter{Scope: ScopeTrigger, Policy: PolicyAllowlist, AllowedUsers: []string{"alice"}}, "me", nil, true},
		{"allowlist rejects unlisted", Filter{Scope: ScopeTrigger, Policy: PolicyAllowlist, AllowedUsers: []string{"alice"}}, "bob", nil, false},
		{"empty actor rejected", Filter{Scope: ScopeTrigger, Policy: PolicyAllowlist}, "", nil, false},
		{
			"contributors all allowed",
			Filter{Scope: ScopeContributors, Policy: PolicyAllowlist, AllowedUsers: []string{"alice", "bob"}},
			"alice", []string{"me", "BOB"}, true,
		},
		{
			"one disallowed contributor rejects the whole job",
			Filter{Scope: ScopeContributors, Policy: PolicyAllowlist, AllowedUsers: []string{"alice"}},
			"alice", []string{"alice", "eve"}, false,
		},
		{
			"contributors checks the actor too",
			Filter{Scope: ScopeContributors, Policy: PolicyAllowlist, AllowedUsers: []string{"alice"}},
			"eve", []string{"alice"}, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.filter, "me", tt.actor, tt.contributors)
			assert.Equal(t, tt.admit, d.Admit, d.Reason)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestNormalizeLegacyMode(t *testing.T) {
	tests := []struct {
		mode   string
		scope  Scope
		policy Policy
	}{
		{"everyone", ScopeEveryone, ""},
		{"just-me", ScopeTrigger, PolicyJustMe},
		{"allowlist", ScopeTrigger, PolicyAllowlist},
		{"contributors", ScopeContributors, PolicyAllowlist},
		{"something-else", ScopeEveryone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			f := Filter{Mode: tt.mode, AllowedUsers: []string{"alice"}}.Normalize(discard())
			assert.Equal(t, tt.scope, f.Scope)
			assert.Equal(t, tt.policy, f.Policy)
			assert.Empty(t, f.Mode)
			assert.Equal(t, []string{"alice"}, f.AllowedUsers)
			assert.NoError(t, f.Validate())
		})
	}

	f := Filter{Scope: ScopeTrigger}.Normalize(nil)
	assert.Equal(t, PolicyJustMe, f.Policy, "policy defaults to just-me")

	assert.Error(t, Filter{Scope: "anyone"}.Validate())
	assert.Error(t, Filter{Scope: ScopeTrigger, Policy: "friends"}.Validate())
}

func TestGate_RejectedOfferIsCancelledOnce(t *testing.T) {
	api := &mockAPI{}
	g := NewGate(Config{
		Filter:      Filter{Scope: ScopeTrigger, Policy: PolicyJustMe},
		CurrentUser: "me",
		API:         api,
		Logger:      discard(),
	})

	offer := model.JobOffer{TargetID: "t1", JobID: "j1", ActorLogin: "stranger", WorkflowRunID: 55, Owner: "octo", Repo: "app"}
	d := g.Evaluate(context.Background(), offer)
	require.False(t, d.Admit)

	g.Cancel(context.Background(), offer, d.Reason)
	assert.Equal(t, []int64{55}, api.cancelled)
	assert.Zero(t, api.listCalls)
}

func TestGate_CancelFailureIsSwallowed(t *testing.T) {
	api := &mockAPI{cancelErr: errors.New("403 forbidden")}
	g := NewGate(Config{API: api, Logger: discard()})

	offer := model.JobOffer{WorkflowRunID: 1, Owner: "o", Repo: "r"}
	assert.NotPanics(t, func() { g.Cancel(context.Background(), offer, "test") })
	assert.Len(t, api.cancelled, 1)

	// Nothing to cancel without a run id.
	g.Cancel(context.Background(), model.JobOffer{Owner: "o", Repo: "r"}, "test")
	assert.Len(t, api.cancelled, 1)
}

func TestGate_Contributors(t *testing.T) {
	api := &mockAPI{contributors: []string{"me", "alice"}}
	g := NewGate(Config{
		Filter:      Filter{Mode: "contributors", AllowedUsers: []string{"alice"}},
		CurrentUser: "me",
		API:         api,
		Logger:      discard(),
	})
	offer := model.JobOffer{ActorLogin: "alice", Owner: "octo", Repo: "app"}

	assert.True(t, g.Evaluate(context.Background(), offer).Admit)
	assert.Equal(t, 1, api.listCalls)

	api.listErr = errors.New("rate limited")
	d := g.Evaluate(context.Background(), offer)
	assert.False(t, d.Admit, "lookup failure rejects")
	assert.Contains(t, d.Reason, "rate limited")
}

func TestGate_SetFilter(t *testing.T) {
	g := NewGate(Config{CurrentUser: "me", Logger: discard()})
	offer := model.JobOffer{ActorLogin: "alice"}
	assert.True(t, g.Evaluate(context.Background(), offer).Admit)

	g.SetFilter(Filter{Mode: "just-me"})
	assert.Equal(t, ScopeTrigger, g.Filter().Scope)
	assert.False(t, g.Evaluate(context.Background(), offer).Admit)

	g.SetFilter(Filter{Scope: ScopeContributors, Policy: PolicyAllowlist})
	assert.False(t, g.Evaluate(context.Background(), offer).Admit, "no API means contributors cannot be verified")
}
