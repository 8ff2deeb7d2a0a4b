package skill

import (
	"errors"
	"fmt"
)

// Manifest describes a remote skill: who it is, where to reach it and
// what it can do.
type Manifest struct {
	ID                        string                     `json:"id" yaml:"id"`
	Name                      string                     `json:"name" yaml:"name"`
	Description               string                     `json:"description,omitempty" yaml:"description,omitempty"`
	MSAAppID                  string                     `json:"msaAppId,omitempty" yaml:"msaAppId,omitempty"`
	Endpoint                  string                     `json:"endpoint" yaml:"endpoint"`
	IconURL                   string                     `json:"iconUrl,omitempty" yaml:"iconUrl,omitempty"`
	AuthenticationConnections []AuthenticationConnection `json:"authenticationConnections,omitempty" yaml:"authenticationConnections,omitempty"`
	Actions                   []Action                   `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// AuthenticationConnection names an OAuth connection the skill needs the
// parent to obtain tokens for.
type AuthenticationConnection struct {
	ID                string `json:"id" yaml:"id"`
	ServiceProviderID string `json:"serviceProviderId,omitempty" yaml:"serviceProviderId,omitempty"`
	Scopes            string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// Action is a named capability of a skill.
type Action struct {
	ID         string           `json:"id" yaml:"id"`
	Definition ActionDefinition `json:"definition" yaml:"definition"`
}

type ActionDefinition struct {
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Slots       []Slot   `json:"slots,omitempty" yaml:"slots,omitempty"`
	Triggers    Triggers `json:"triggers" yaml:"triggers"`
}

// Slot is a value the skill can accept on its first turn.
type Slot struct {
	Name  string   `json:"name" yaml:"name"`
	Types []string `json:"types,omitempty" yaml:"types,omitempty"`
}

type Triggers struct {
	Utterances []Utterance `json:"utterances,omitempty" yaml:"utterances,omitempty"`
	Events     []Event     `json:"events,omitempty" yaml:"events,omitempty"`
}

type Utterance struct {
	Locale string   `json:"locale,omitempty" yaml:"locale,omitempty"`
	Text   []string `json:"text" yaml:"text"`
}

type Event struct {
	Name string `json:"name" yaml:"name"`
}

var ErrActionNotFound = errors.New("action not found")

// Validate checks the fields delegation depends on.
func (m *Manifest) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("manifest has no id")
	case m.Name == "":
		return fmt.Errorf("manifest %s has no name", m.ID)
	case m.Endpoint == "":
		return fmt.Errorf("manifest %s has no endpoint", m.ID)
	}
	for i, a := range m.Actions {
		if a.ID == "" {
			return fmt.Errorf("manifest %s: action %d has no id", m.ID, i)
		}
	}
	return nil
}

// Action returns the action with the given id.
func (m *Manifest) Action(id string) (*Action, error) {
	for i := range m.Actions {
		if m.Actions[i].ID == id {
			return &m.Actions[i], nil
		}
	}
	return nil, fmt.Errorf("skill %s: %w: %s", m.ID, ErrActionNotFound, id)
}

// SlotNames returns the distinct slot names declared by all actions in
// declaration order.
func (m *Manifest) SlotNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, a := range m.Actions {
		for _, s := range a.Definition.Slots {
			if _, ok := seen[s.Name]; ok {
				continue
			}
			seen[s.Name] = struct{}{}
			names = append(names, s.Name)
		}
	}
	return names
}

// AuthConnection returns the first authentication connection, if any.
func (m *Manifest) AuthConnection() (AuthenticationConnection, bool) {
	if len(m.AuthenticationConnections) == 0 {
		return AuthenticationConnection{}, false
	}
	return m.AuthenticationConnections[0], true
}
