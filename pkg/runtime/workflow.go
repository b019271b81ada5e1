// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
)

// sequential feeds each sub-agent the previous one's output.
func (r *run) sequential(ctx context.Context, a *agent.Agent, input string, loop *loopFrame) (string, error) {
	out := input
	for _, sub := range a.SubAgents() {
		if err := r.delegate(a, sub); err != nil {
			return "", err
		}
		next, err := r.agent(ctx, sub, out, nil, loop)
		if err != nil {
			return "", err
		}
		if next != "" {
			out = next
		}
		if loop != nil && loop.escalate.Load() {
			break
		}
	}
	return out, nil
}

// parallel runs every sub-agent on the same input. Events of each branch
// are buffered and replayed in declaration order once all branches finish.
func (r *run) parallel(ctx context.Context, a *agent.Agent, input string, loop *loopFrame) (string, error) {
	subs := a.SubAgents()
	outputs := make([]string, len(subs))
	buffers := make([][]core.Event, len(subs))

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		g.Go(func() (err error) {
			// errgroup does not carry panics back to Wait.
			defer func() {
				if rec := recover(); rec != nil {
					err = errors.Newf(errors.CodeExecution, "panic in sub-agent %s: %v", sub.ID(), rec)
				}
			}()
			var mu sync.Mutex
			branch := &run{
				backend: r.backend,
				emit: func(ev core.Event) bool {
					mu.Lock()
					buffers[i] = append(buffers[i], ev)
					mu.Unlock()
					return gctx.Err() == nil
				},
			}
			out, err := branch.agent(gctx, sub, input, nil, loop)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	err := g.Wait()

	for i, sub := range subs {
		if e := r.delegate(a, sub); e != nil {
			return "", e
		}
		for _, ev := range buffers[i] {
			if e := r.send(ev); e != nil {
				return "", e
			}
		}
	}
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i, sub := range subs {
		if outputs[i] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", sub.Name(), outputs[i])
	}
	return b.String(), nil
}

// loop repeats its sub-agents in order until one of them asks to exit or
// the iteration bound is reached. The last non-empty output wins.
func (r *run) loop(ctx context.Context, a *agent.Agent, input string) (string, error) {
	frame := &loopFrame{}
	max := a.MaxIterations()
	if max <= 0 {
		max = agent.DefaultMaxIterations
	}
	out := input
	for i := 0; i < max; i++ {
		next, err := r.sequential(ctx, a, out, frame)
		if err != nil {
			return "", err
		}
		out = next
		if frame.escalate.Load() {
			break
		}
	}
	return out, nil
}

func (r *run) delegate(parent, sub *agent.Agent) error {
	ev := core.NewEvent(core.EventDelegation, parent.ID())
	ev.Payload = map[string]any{"sub_agent": sub.ID()}
	return r.send(ev)
}
