package workflow

import "context"

// PhaseOptions is what the executor hands the agent provider for one
// attempt. Context is the assembled envelope text from AssembleContext,
// appended after any base prompt the node's template supplies.
type PhaseOptions struct {
	Context              []string
	ExecutionPermissions ExecutionPermissions
	Model                string
}

// PhaseResult is what a provider returns once a phase finishes, success or
// failure. RoutingDecision is empty when the provider did not emit a
// structured decision.
type PhaseResult struct {
	Report          string
	ReportContentType ContentType
	RoutingDecision DecisionType
	RoutingRationale string
	TokensUsed      int
	Err             error
	ErrorStack      string
}

// OnProviderEvent streams one ProviderEvent as it arrives, persisted
// immediately.
type OnProviderEvent func(ProviderEvent)

// Provider is the shape the core consumes from an agent-provider
// implementation: only the resolver+stream interface is used here, the
// providers themselves are out of scope.
type Provider interface {
	RunPhase(ctx context.Context, nodeKey string, opts PhaseOptions, onEvent OnProviderEvent) PhaseResult
}

// Resolver looks up a Provider by the name recorded on a TreeNode.
type Resolver func(providerName string) (Provider, error)
