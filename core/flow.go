package core

import (
	"context"
	"log/slog"
)

// FlowState is a step of the provider login state machine
type FlowState int

const (
	FlowInitiated FlowState = iota
	FlowRedirected
	FlowCallbackReceived
	FlowIdentityResolved
	FlowRejected
	FlowCodeIssued
	FlowCompleted
)

func (s FlowState) String() string {
	switch s {
	case FlowInitiated:
		return "INITIATED"
	case FlowRedirected:
		return "REDIRECTED"
	case FlowCallbackReceived:
		return "CALLBACK_RECEIVED"
	case FlowIdentityResolved:
		return "IDENTITY_RESOLVED"
	case FlowRejected:
		return "REJECTED"
	case FlowCodeIssued:
		return "CODE_ISSUED"
	case FlowCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// flowTransitions lists the legal successors of each state
var flowTransitions = map[FlowState][]FlowState{
	FlowInitiated:        {FlowRedirected},
	FlowRedirected:       {FlowCallbackReceived},
	FlowCallbackReceived: {FlowIdentityResolved, FlowRejected},
	FlowIdentityResolved: {FlowCodeIssued},
	FlowCodeIssued:       {FlowCompleted},
}

// flow tracks one request's progress through the state machine. The two halves of a login
// run in different requests, so each half starts its own flow at the state it resumes from.
type flow struct {
	provider Provider
	state    FlowState
	metrics  *Metrics
	logger   *slog.Logger
}

func (s *AuthService) startFlow(ctx context.Context, provider Provider, at FlowState) *flow {
	if at == FlowInitiated {
		s.metrics.recordTransition(ctx, provider, at)
	}
	return &flow{provider: provider, state: at, metrics: s.metrics, logger: s.logger}
}

func (f *flow) to(ctx context.Context, state FlowState) {
	legal := false
	for _, s := range flowTransitions[f.state] {
		if s == state {
			legal = true
			break
		}
	}
	if !legal {
		// programming error; keep going but make it loud
		f.logger.Error("illegal flow transition",
			"provider", f.provider,
			"from", f.state.String(),
			"to", state.String())
	}

	f.logger.Debug("flow transition",
		"provider", f.provider,
		"from", f.state.String(),
		"to", state.String())
	f.state = state
	f.metrics.recordTransition(ctx, f.provider, state)
}
