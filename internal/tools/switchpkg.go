package tools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/hexenseai/hex-platform/internal/router"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// SwitchPackageFunction is the registry key of the package switch tool.
const SwitchPackageFunction = "switch_package"

// SwitchPackageDefinition is the schema of the switch tool as the model sees
// it.
var SwitchPackageDefinition = types.ToolDefinition{
	Name:        SwitchPackageFunction,
	Description: "Hand the conversation to the assistant best suited for the user's request. Use when the request is outside your own area.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent_description": map[string]any{
				"type":        "string",
				"description": "One sentence describing what the user wants to achieve.",
			},
		},
		"required": []string{"intent_description"},
	},
}

// Resolver picks a package for an intent. *router.Router implements it.
type Resolver interface {
	Route(ctx context.Context, req router.Request) (router.Decision, error)
}

// SwitchRequests holds the package switches requested by the model, one per
// principal. The session applies a request at the start of the next turn.
type SwitchRequests struct {
	mu      sync.Mutex
	pending map[string]string
}

// NewSwitchRequests returns an empty SwitchRequests.
func NewSwitchRequests() *SwitchRequests {
	return &SwitchRequests{pending: make(map[string]string)}
}

// Request records that principal should move to packageID.
func (s *SwitchRequests) Request(principal, packageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[principal] = packageID
}

// Take returns and clears the pending switch of principal.
func (s *SwitchRequests) Take(principal string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pending[principal]
	delete(s.pending, principal)
	return id, ok
}

// SwitchArgs are the arguments of the switch tool.
type SwitchArgs struct {
	IntentDescription string `json:"intent_description"`
}

// SwitchResult tells the model which package takes over.
type SwitchResult struct {
	Message            string  `json:"message"`
	TargetPackageID    string  `json:"target_package_id"`
	MatchedScore       float64 `json:"matched_score"`
	MatchedDescription string  `json:"matched_description"`
}

// NewSwitchPackage returns the handler of the switch tool. The chosen package
// is recorded in requests; the current turn is not affected.
func NewSwitchPackage(resolver Resolver, requests *SwitchRequests) Handler {
	return Typed(func(ctx context.Context, args SwitchArgs, call Call) (any, error) {
		intent := strings.TrimSpace(args.IntentDescription)
		if intent == "" {
			return nil, fmt.Errorf("intent_description is required")
		}
		d, err := resolver.Route(ctx, router.Request{Input: intent, Principal: call.Principal, Role: call.Role})
		if err != nil {
			return nil, fmt.Errorf("select package: %w", err)
		}
		requests.Request(call.Principal, d.Package.ID)
		return SwitchResult{
			Message:            fmt.Sprintf("Switching to the %q assistant.", d.Package.Name),
			TargetPackageID:    d.Package.ID,
			MatchedScore:       math.Round(d.Score*1000) / 1000,
			MatchedDescription: d.Package.Description,
		}, nil
	})
}
