package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"autonomy/internal/bus"
)

// Meta tools let the self-improvement phases propose changes to the
// pipeline's own prompts, roles, and tool inventory. Proposals are written
// as markdown for a human to adopt; the pipeline never rewrites itself.

func writeProposal(env *Env, kind, name, body string) (string, error) {
	rel := filepath.Join(".autonomy", "reports", "proposals",
		fmt.Sprintf("%s-%s-%d.md", kind, sanitizeName(name), time.Now().Unix()))
	var b strings.Builder
	fmt.Fprintf(&b, "# %s proposal: %s\n\n", kind, name)
	fmt.Fprintf(&b, "Proposed by phase %s at %s\n\n", env.Phase, time.Now().UTC().Format(time.RFC3339))
	b.WriteString(body)
	b.WriteString("\n")
	if _, err := env.Writer.WriteSource(rel, b.String()); err != nil {
		return "", err
	}
	env.Bus.Publish(bus.Message{
		Type:      bus.TypeReviewRequested,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		Payload:   map[string]any{"proposal": rel, "kind": kind, "name": name},
	})
	return rel, nil
}

func sanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, s)
	return strings.Trim(s, "-")
}

func handleProposeTool(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	name := stringArg(args, "name", "tool")
	if name == "" {
		return failed("propose_tool", "empty tool name"), nil
	}
	body := fmt.Sprintf("## Purpose\n\n%s\n\n## Schema\n\n%s\n",
		stringArg(args, "description", "purpose"), stringArg(args, "schema"))
	rel, err := writeProposal(env, "tool", name, body)
	if err != nil {
		return failed("propose_tool", err.Error()), nil
	}
	return ok("propose_tool", map[string]any{"proposal": rel}), nil
}

func handleEvaluateTool(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	name := stringArg(args, "name", "tool")
	if name == "" {
		return failed("evaluate_tool", "empty tool name"), nil
	}
	registered := env.Registry != nil && env.Registry.Has(name)
	verdict := stringArg(args, "verdict", "assessment")
	body := fmt.Sprintf("## Registered\n\n%v\n\n## Assessment\n\n%s\n", registered, verdict)
	rel, err := writeProposal(env, "tool-evaluation", name, body)
	if err != nil {
		return failed("evaluate_tool", err.Error()), nil
	}
	return ok("evaluate_tool", map[string]any{"proposal": rel, "registered": registered}), nil
}

func handleProposePrompt(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	phase := stringArg(args, "phase", "name")
	if phase == "" {
		return failed("propose_prompt", "empty phase"), nil
	}
	body := fmt.Sprintf("## Rationale\n\n%s\n\n## Prompt\n\n```\n%s\n```\n",
		stringArg(args, "rationale", "description"), stringArg(args, "prompt", "content"))
	rel, err := writeProposal(env, "prompt", phase, body)
	if err != nil {
		return failed("propose_prompt", err.Error()), nil
	}
	return ok("propose_prompt", map[string]any{"proposal": rel}), nil
}

func handleProposeRole(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	role := stringArg(args, "role", "name")
	if role == "" {
		return failed("propose_role", "empty role"), nil
	}
	body := fmt.Sprintf("## Responsibility\n\n%s\n\n## Definition\n\n%s\n",
		stringArg(args, "responsibility", "description"), stringArg(args, "definition", "content"))
	rel, err := writeProposal(env, "role", role, body)
	if err != nil {
		return failed("propose_role", err.Error()), nil
	}
	return ok("propose_role", map[string]any{"proposal": rel}), nil
}
