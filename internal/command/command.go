package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/skillrelay/internal/turn"
)

// Command represents a slash command.
type Command struct {
	Name        string
	Description string
	Usage       string
	// Aliases are alternative names. They dispatch like Name but are not
	// listed separately.
	Aliases []string
	Handler CommandHandler
}

// CommandHandler is the function signature for command execution.
type CommandHandler func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error)

// CommandContext describes where a command was issued.
type CommandContext struct {
	Platform  string
	ChannelID string
	UserID    string
	UserName  string
	Turn      *turn.Context
}

// NewCommandContext builds a CommandContext from the turn's activity.
func NewCommandContext(tc *turn.Context) *CommandContext {
	a := tc.Activity
	return &CommandContext{
		Platform:  a.ChannelID,
		ChannelID: a.Conversation.ID,
		UserID:    a.From.ID,
		UserName:  a.From.Name,
		Turn:      tc,
	}
}

// CommandResult holds the output of a command.
type CommandResult struct {
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// Registry holds all registered commands.
type Registry struct {
	commands map[string]*Command
	aliases  map[string]string
	mu       sync.RWMutex
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command), aliases: make(map[string]string)}
}

// Register adds a command to the registry. A later command replaces an
// earlier one of the same name; aliases never shadow a command name.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
	delete(r.aliases, cmd.Name)
	for _, a := range cmd.Aliases {
		if _, taken := r.commands[a]; !taken {
			r.aliases[a] = cmd.Name
		}
	}
}

// IsCommand reports whether text is a slash command.
func IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	return len(text) > 1 && text[0] == '/'
}

// Dispatch parses a slash command string and executes the matching handler.
func (r *Registry) Dispatch(ctx context.Context, input string, cc *CommandContext) (*CommandResult, error) {
	// Parse: "/command_name args..."
	input = strings.TrimPrefix(strings.TrimSpace(input), "/")
	parts := strings.SplitN(input, " ", 2)
	name := strings.ToLower(parts[0])
	args := ""
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}

	r.mu.RLock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return &CommandResult{
			Content: fmt.Sprintf("Unknown command: /%s. Type /help for available commands.", name),
		}, nil
	}

	return cmd.Handler(ctx, args, cc)
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		result = append(result, cmd)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
