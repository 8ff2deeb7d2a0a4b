package dialog

import (
	"context"
	"errors"

	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// ErrSignInRequired is returned by a TokenProvider when the user must sign
// in before a token can be issued. The provider prompts the user itself.
var ErrSignInRequired = errors.New("sign-in required")

// TokenProvider obtains a user token for an authentication connection
// declared by a skill manifest.
type TokenProvider interface {
	Token(ctx context.Context, tc *turn.Context, connection string) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, tc *turn.Context, connection string) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context, tc *turn.Context, connection string) (string, error) {
	return f(ctx, tc, connection)
}

// TokenResponse is the value of a tokens/response event.
type TokenResponse struct {
	ConnectionName string `json:"connectionName"`
	Token          string `json:"token"`
}

// Recognizer picks the skill that should take over a turn the active skill
// could not handle.
type Recognizer interface {
	Recognize(ctx context.Context, tc *turn.Context) (skillID string, ok bool)
}

// ManifestRecognizer matches the turn text against the trigger utterances
// of the configured manifests.
type ManifestRecognizer struct {
	Skills *skill.Configuration
}

func (r ManifestRecognizer) Recognize(_ context.Context, tc *turn.Context) (string, bool) {
	if r.Skills == nil || tc.Activity.Text == "" {
		return "", false
	}
	m, ok := r.Skills.MatchUtterance(tc.Activity.Text)
	if !ok {
		return "", false
	}
	return m.Manifest.ID, true
}
