package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/skillrelay/internal/turn"
)

// SkillLister lists configured skills.
type SkillLister interface {
	ListSkills() []SkillInfo
}

// SkillInfo describes a configured skill.
type SkillInfo struct {
	ID          string
	Name        string
	Description string
	Endpoint    string
}

// Canceler cancels the skill session of a conversation and reports whether
// there was one.
type Canceler interface {
	Cancel(ctx context.Context, tc *turn.Context) (bool, error)
}

// StatusProvider provides adapter connection status.
type StatusProvider interface {
	StatusAll() []AdapterStatus
}

// AdapterStatus describes the connection state of a platform adapter.
type AdapterStatus struct {
	Platform  string
	Connected bool
	Details   string
}

// RegisterBuiltins registers /help, /skills, /cancel and /status.
func RegisterBuiltins(reg *Registry, skills SkillLister, canceler Canceler, status StatusProvider) {
	reg.Register(helpCommand(reg))
	reg.Register(skillsCommand(skills))
	reg.Register(cancelCommand(canceler))
	reg.Register(statusCommand(status))
}

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range reg.List() {
				fmt.Fprintf(&b, "  /%s: %s\n", c.Name, c.Description)
				if len(c.Aliases) > 0 {
					fmt.Fprintf(&b, "    Also: /%s\n", strings.Join(c.Aliases, ", /"))
				}
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

func skillsCommand(lister SkillLister) *Command {
	return &Command{
		Name:        "skills",
		Description: "List available skills",
		Usage:       "/skills",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			var skills []SkillInfo
			if lister != nil {
				skills = lister.ListSkills()
			}
			if len(skills) == 0 {
				return &CommandResult{Content: "No skills configured."}, nil
			}
			var b strings.Builder
			b.WriteString("Available skills:\n")
			for _, s := range skills {
				fmt.Fprintf(&b, "  [%s] %s", s.ID, s.Name)
				if s.Description != "" {
					fmt.Fprintf(&b, ": %s", s.Description)
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String(), Data: skills}, nil
		},
	}
}

func cancelCommand(canceler Canceler) *Command {
	return &Command{
		Name:        "cancel",
		Description: "End the conversation with the current skill",
		Usage:       "/cancel",
		Aliases:     []string{"stop"},
		Handler: func(ctx context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			if cc == nil || cc.Turn == nil {
				return nil, errors.New("cancel needs a conversation")
			}
			had, err := canceler.Cancel(ctx, cc.Turn)
			if err != nil {
				return nil, fmt.Errorf("cancel skill session: %w", err)
			}
			if !had {
				return &CommandResult{Content: "No skill is active in this conversation."}, nil
			}
			return &CommandResult{Content: "Canceled. You are back with the main bot."}, nil
		},
	}
}

func statusCommand(provider StatusProvider) *Command {
	return &Command{
		Name:        "status",
		Description: "Show adapter connection status",
		Usage:       "/status",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			var adapters []AdapterStatus
			if provider != nil {
				adapters = provider.StatusAll()
			}
			if len(adapters) == 0 {
				return &CommandResult{Content: "No adapters configured."}, nil
			}
			var b strings.Builder
			b.WriteString("Adapter status:\n")
			for _, a := range adapters {
				state := "disconnected"
				if a.Connected {
					state = "connected"
				}
				fmt.Fprintf(&b, "  %s: %s", a.Platform, state)
				if a.Details != "" {
					fmt.Fprintf(&b, " (%s)", a.Details)
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}
