package activity

// Kind is the closed set of activity shapes the skill layer treats
// differently. Implementations are sealed to this package; callers match on
// them with a type switch.
type Kind interface {
	kind()
}

// Message is any activity shown to the user as-is, including wire types this
// layer does not recognise.
type Message struct{}

// Event is a named event activity.
type Event struct {
	Name string
}

// EndOfConversation signals that the sender has finished the conversation.
type EndOfConversation struct{}

// Handoff asks for control to move to a human or another system.
type Handoff struct{}

// Trace is diagnostic output only rendered on the emulator channel.
type Trace struct{}

func (Message) kind()           {}
func (Event) kind()             {}
func (EndOfConversation) kind() {}
func (Handoff) kind()           {}
func (Trace) kind()             {}

// Classify maps the wire type of a to its Kind.
func Classify(a *Activity) Kind {
	switch a.Type {
	case TypeEvent:
		return Event{Name: a.Name}
	case TypeEndOfConversation:
		return EndOfConversation{}
	case TypeHandoff:
		return Handoff{}
	case TypeTrace:
		return Trace{}
	default:
		return Message{}
	}
}

// IsEvent reports whether a is an event with the given name.
func IsEvent(a *Activity, name string) bool {
	ev, ok := Classify(a).(Event)
	return ok && ev.Name == name
}
