// Package builtin registers the policies shipped with the proxy.
package builtin

import (
	"github.com/gatebox-dev/gatebox/internal/policy"
)

// PolicyPassthrough forwards every chunk untouched.
const PolicyPassthrough = "passthrough"

func init() {
	policy.Register(PolicyPassthrough, newPassthrough)
}

func newPassthrough(_ map[string]any) (policy.Policy, error) {
	return &Passthrough{}, nil
}

// Passthrough pushes each upstream chunk straight to the egress queue. It is
// the default policy when none is configured.
type Passthrough struct{}

func (p *Passthrough) Name() string { return PolicyPassthrough }

func (p *Passthrough) OnChunkReceived(ctx *policy.StreamContext) error {
	return ctx.Push(ctx.Chunk)
}
