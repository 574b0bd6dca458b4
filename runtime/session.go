// Package runtime drives the client's command loop.
//
// A session starts with the "user" call carrying the raw command-line
// arguments and keeps calling the server for as long as each reply names
// a follow-up call. Replies may ask the client to index a package
// directory, upload files from it, or change the stored login token.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pithecene-io/pkgsync/log"
	"github.com/pithecene-io/pkgsync/manifest"
	"github.com/pithecene-io/pkgsync/metrics"
	"github.com/pithecene-io/pkgsync/state"
	"github.com/pithecene-io/pkgsync/transport"
	"github.com/pithecene-io/pkgsync/types"
)

// Phase is a command-loop state.
type Phase string

// Command-loop states.
const (
	// PhaseAwaitingCall: a call is pending and about to be sent.
	PhaseAwaitingCall Phase = "awaiting_call"
	// PhaseDispatching: a reply is being interpreted.
	PhaseDispatching Phase = "dispatching"
	// PhaseDone: no call remains.
	PhaseDone Phase = "done"
)

// Caller performs one server exchange. *transport.Client implements it.
type Caller interface {
	Call(ctx context.Context, req transport.Request) (*types.ServerResponse, error)
}

// Uploader runs an upload directive. *upload.Engine implements it.
type Uploader interface {
	UploadMany(ctx context.Context, pkg *manifest.Package, token *string, d *types.UploadDirective) (types.PendingCall, error)
}

// Config configures a session.
type Config struct {
	// ProjectRoot anchors relative package paths named by the server.
	ProjectRoot string
	// Transport sends calls (required).
	Transport Caller
	// Uploader runs upload directives (required).
	Uploader Uploader
	// Store persists the login token (required).
	Store *state.Store
	// State is the loaded client state. If nil, it is loaded from Store.
	State *state.State
	// IndexWorkers bounds concurrent hashing. Zero means one per CPU.
	IndexWorkers int
	// Logger receives session logs. Nil disables logging.
	Logger *log.Logger
	// Collector records session counters. May be nil.
	Collector *metrics.Collector
}

// Result summarizes a finished session, successful or not.
type Result struct {
	// Calls is the number of calls sent, including a failed final one.
	Calls int
	// Duration is the wall time of the loop.
	Duration time.Duration
	// LoggedIn reports whether a login token is stored at the end.
	LoggedIn bool
	// Metrics is the collector snapshot at the end of the loop.
	Metrics metrics.Snapshot
}

// Orchestrator runs the command loop for one invocation.
// It is not safe for concurrent use; the token and the loaded package
// are owned by the goroutine calling Run.
type Orchestrator struct {
	config *Config
	logger *log.Logger
	state  *state.State
	pkg    *manifest.Package
	phase  Phase
}

// NewOrchestrator creates an orchestrator.
// Returns error if a required dependency is missing.
func NewOrchestrator(config *Config) (*Orchestrator, error) {
	switch {
	case config == nil:
		return nil, errors.New("session config is required")
	case config.Transport == nil:
		return nil, errors.New("session requires a transport")
	case config.Uploader == nil:
		return nil, errors.New("session requires an uploader")
	case config.Store == nil:
		return nil, errors.New("session requires a state store")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}
	st := config.State
	if st == nil {
		st = config.Store.Load()
	}

	return &Orchestrator{
		config: config,
		logger: logger,
		state:  st,
		phase:  PhaseAwaitingCall,
	}, nil
}

// State returns the in-memory client state.
func (o *Orchestrator) State() *state.State {
	return o.state
}

// Phase returns the current loop state.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Run executes the command loop starting from the user call for argv.
//
// The loop halts on the first transport, server, indexing, or upload
// failure. State is saved when the loop ends either way; a save failure is
// returned only when the loop itself succeeded. The Result is always
// non-nil.
func (o *Orchestrator) Run(ctx context.Context, argv []string) (*Result, error) {
	start := time.Now()
	calls := 0

	first := types.NewUserCall(argv)
	pending := &first
	var runErr error

	for pending != nil {
		o.phase = PhaseAwaitingCall
		o.logger.Debug("sending call", map[string]any{
			"call": pending.Command,
			"seq":  calls + 1,
		})

		resp, err := o.config.Transport.Call(ctx, transport.Request{
			Command: pending.Command,
			Args:    pending.Args,
			Token:   o.state.LoginToken,
		})
		calls++
		if err != nil {
			runErr = err
			break
		}

		o.phase = PhaseDispatching
		pending, err = o.dispatch(ctx, resp)
		if err != nil {
			runErr = err
			break
		}
	}
	if runErr == nil {
		o.phase = PhaseDone
	}

	saveErr := o.config.Store.Save(o.state)
	result := &Result{
		Calls:    calls,
		Duration: time.Since(start),
		LoggedIn: o.state.LoginToken != nil,
		Metrics:  o.config.Collector.Snapshot(),
	}

	fields := map[string]any{
		"calls":       calls,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
		o.logger.Info("session failed", fields)
		if saveErr != nil {
			o.logger.Warn("failed to persist state", map[string]any{"error": saveErr.Error()})
		}
		return result, runErr
	}
	o.logger.Info("session complete", fields)

	if saveErr != nil {
		return result, fmt.Errorf("persist state: %w", saveErr)
	}
	return result, nil
}

// dispatch interprets one reply and returns the next call, or nil when
// the session is done.
func (o *Orchestrator) dispatch(ctx context.Context, resp *types.ServerResponse) (*types.PendingCall, error) {
	var next *types.PendingCall
	for _, d := range directives {
		if !d.present(resp) {
			continue
		}
		o.logger.Debug("handling directive", map[string]any{"directive": d.name})
		call, err := d.handle(ctx, o, resp)
		if err != nil {
			return nil, err
		}
		// A later directive overrides the call set by an earlier one.
		next = call
	}

	for _, e := range effects {
		if e.present(resp) {
			o.logger.Debug("applying effect", map[string]any{"effect": e.name})
			e.apply(o, resp)
		}
	}
	if resp.Login != nil || resp.Logout {
		// Persist now so a token survives a later failure in this session.
		if err := o.config.Store.Save(o.state); err != nil {
			o.logger.Warn("failed to persist state", map[string]any{"error": err.Error()})
		}
	}
	return next, nil
}

// resolvePackagePath anchors a server-supplied path at the project root.
func (o *Orchestrator) resolvePackagePath(path string) string {
	local := filepath.FromSlash(path)
	if filepath.IsAbs(local) || o.config.ProjectRoot == "" {
		return local
	}
	return filepath.Join(o.config.ProjectRoot, local)
}
