package types

// UserCommand is the command name of the first call of every session.
const UserCommand = "user"

// PendingCall is the next command the command loop must send.
// It lives only between two iterations of the loop.
type PendingCall struct {
	Command string
	Args    map[string]any
}

// NewUserCall builds the initial call carrying the raw command-line arguments.
func NewUserCall(argv []string) PendingCall {
	args := make([]string, len(argv))
	copy(args, argv)
	return PendingCall{
		Command: UserCommand,
		Args:    map[string]any{"args": args},
	}
}

// CloneArgs returns a shallow copy of args, never nil.
// Callers inject keys into the copy so directive arguments decoded from a
// response are never mutated.
func CloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	return out
}
