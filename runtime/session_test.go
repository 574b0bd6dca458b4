package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pithecene-io/pkgsync/manifest"
	"github.com/pithecene-io/pkgsync/metrics"
	"github.com/pithecene-io/pkgsync/state"
	"github.com/pithecene-io/pkgsync/transport"
	"github.com/pithecene-io/pkgsync/types"
	"github.com/pithecene-io/pkgsync/upload"
)

// received is one call as seen by the scripted server.
type received struct {
	Command  string
	Token    string
	Args     map[string]any
	Filename string
}

// scriptedServer answers each call with reply(call) and records every call.
type scriptedServer struct {
	*httptest.Server

	mu    sync.Mutex
	calls []received
}

func newScriptedServer(t *testing.T, reply func(call received) string) *scriptedServer {
	t.Helper()
	s := &scriptedServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := received{
			Command: r.FormValue("c"),
			Token:   r.FormValue("t"),
		}
		if err := json.Unmarshal([]byte(r.FormValue("d")), &call.Args); err != nil {
			t.Errorf("decode args: %v", err)
		}
		if _, hdr, err := r.FormFile("file"); err == nil {
			call.Filename = hdr.Filename
		}
		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()
		_, _ = io.WriteString(w, reply(call))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) Calls() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]received, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *scriptedServer) Commands() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Command)
	}
	return out
}

type harness struct {
	root      string
	store     *state.Store
	collector *metrics.Collector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	return &harness{
		root:      root,
		store:     state.NewStore(state.PathFor(root), nil, nil),
		collector: metrics.NewCollector("test-session", "test"),
	}
}

func (h *harness) orchestrator(t *testing.T, serverURL string) *Orchestrator {
	t.Helper()
	client, err := transport.New(transport.Config{
		ServerURL: serverURL,
		Output:    io.Discard,
		Collector: h.collector,
	})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	engine, err := upload.New(upload.Config{
		Transport: client,
		Output:    io.Discard,
		TempDir:   t.TempDir(),
		Collector: h.collector,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	o, err := NewOrchestrator(&Config{
		ProjectRoot: h.root,
		Transport:   client,
		Uploader:    engine,
		Store:       h.store,
		Collector:   h.collector,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o
}

func (h *harness) writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(h.root, dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) stateFile(t *testing.T) map[string]any {
	t.Helper()
	data, err := os.ReadFile(state.PathFor(h.root))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return raw
}

func TestRun_NoDirectives(t *testing.T) {
	h := newHarness(t)
	srv := newScriptedServer(t, func(received) string {
		return `{"message": "nothing to do"}`
	})

	o := h.orchestrator(t, srv.URL)
	result, err := o.Run(t.Context(), []string{"status", "--verbose"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	calls := srv.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 round-trip, got %d", len(calls))
	}
	if calls[0].Command != types.UserCommand {
		t.Errorf("first command = %s", calls[0].Command)
	}
	args, _ := calls[0].Args["args"].([]any)
	if len(args) != 2 || args[0] != "status" || args[1] != "--verbose" {
		t.Errorf("argv = %v", calls[0].Args["args"])
	}
	if calls[0].Token != "null" {
		t.Errorf("token = %s, want null", calls[0].Token)
	}

	if result.Calls != 1 || o.Phase() != PhaseDone {
		t.Errorf("calls = %d, phase = %s", result.Calls, o.Phase())
	}
	if raw := h.stateFile(t); raw["login_token"] != nil {
		t.Errorf("state = %v", raw)
	}
}

func TestRun_LoadPackageInjectsManifest(t *testing.T) {
	h := newHarness(t)
	h.writeFiles(t, "site", map[string]string{
		"index.json":    `{"name":"site"}`,
		"assets/app.js": "console.log(1)",
	})

	srv := newScriptedServer(t, func(call received) string {
		if call.Command == types.UserCommand {
			return `{"loadpackage": ["site", "publish", {"release": "r1"}, "index.json"]}`
		}
		return `{}`
	})

	o := h.orchestrator(t, srv.URL)
	result, err := o.Run(t.Context(), []string{"publish"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	calls := srv.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 round-trips, got %d: %v", len(calls), srv.Commands())
	}
	publish := calls[1]
	if publish.Command != "publish" || publish.Args["release"] != "r1" {
		t.Errorf("second call = %+v", publish)
	}

	m, ok := publish.Args[ManifestArg].(map[string]any)
	if !ok {
		t.Fatalf("manifest missing: %v", publish.Args)
	}
	if m["index"] != `{"name":"site"}` {
		t.Errorf("index = %v", m["index"])
	}
	files, _ := m["files"].(map[string]any)
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	rec, _ := files["assets/app.js"].(map[string]any)
	if rec["hash"] != manifest.Digest([]byte("console.log(1)")) || rec["size"] != float64(14) {
		t.Errorf("record = %v", rec)
	}

	if result.Metrics.PackagesLoaded != 1 || result.Metrics.LoadPackageDirectives != 1 {
		t.Errorf("metrics = %+v", result.Metrics)
	}
}

func TestRun_LoadPackageMissingDirectory(t *testing.T) {
	h := newHarness(t)
	srv := newScriptedServer(t, func(received) string {
		return `{"loadpackage": ["nope", "publish", {}, "index.json"]}`
	})

	_, err := h.orchestrator(t, srv.URL).Run(t.Context(), nil)
	var dnf *manifest.DirectoryNotFoundError
	if !errors.As(err, &dnf) {
		t.Fatalf("expected DirectoryNotFoundError, got %v", err)
	}
	if !types.IsClean(err) {
		t.Error("missing package directory should be a clean error")
	}
	if len(srv.Calls()) != 1 {
		t.Errorf("no call should follow a failed load")
	}
}

func TestRun_LoginPersistsToken(t *testing.T) {
	h := newHarness(t)
	srv := newScriptedServer(t, func(received) string {
		return `{"login": "tok123"}`
	})

	result, err := h.orchestrator(t, srv.URL).Run(t.Context(), []string{"login"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.LoggedIn {
		t.Error("expected logged in")
	}
	if raw := h.stateFile(t); raw["login_token"] != "tok123" {
		t.Errorf("state = %v", raw)
	}

	// The next invocation sends the stored token.
	srv2 := newScriptedServer(t, func(received) string { return `{}` })
	if _, err := h.orchestrator(t, srv2.URL).Run(t.Context(), []string{"whoami"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if tok := srv2.Calls()[0].Token; tok != `"tok123"` {
		t.Errorf("token = %s", tok)
	}
}

func TestRun_LogoutClearsToken(t *testing.T) {
	h := newHarness(t)
	st := &state.State{}
	st.SetToken("old")
	if err := h.store.Save(st); err != nil {
		t.Fatal(err)
	}

	srv := newScriptedServer(t, func(received) string {
		return `{"logout": true, "message": "bye"}`
	})
	result, err := h.orchestrator(t, srv.URL).Run(t.Context(), []string{"logout"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if srv.Calls()[0].Token != `"old"` {
		t.Errorf("logout call should carry the old token")
	}
	if result.LoggedIn {
		t.Error("expected logged out")
	}
	if raw := h.stateFile(t); raw["login_token"] != nil {
		t.Errorf("state = %v", raw)
	}
}

func TestRun_LoginSurvivesLaterFailure(t *testing.T) {
	h := newHarness(t)
	h.writeFiles(t, "pkg", map[string]string{"a.txt": "a"})

	srv := newScriptedServer(t, func(call received) string {
		switch call.Command {
		case types.UserCommand:
			return `{"login": "fresh", "loadpackage": ["pkg", "check", {}, ""]}`
		default:
			return `{"error": "package rejected"}`
		}
	})

	_, err := h.orchestrator(t, srv.URL).Run(t.Context(), nil)
	var sde *transport.ServerDeclaredError
	if !errors.As(err, &sde) || sde.Message != "package rejected" {
		t.Fatalf("expected server-declared error, got %v", err)
	}
	if raw := h.stateFile(t); raw["login_token"] != "fresh" {
		t.Errorf("state = %v", raw)
	}
	if srv.Calls()[1].Token != `"fresh"` {
		t.Errorf("follow-up call should carry the new token")
	}
}

func TestRun_UploadOverridesLoadPackage(t *testing.T) {
	h := newHarness(t)
	h.writeFiles(t, "site", map[string]string{"a.css": "a", "b.css": "b"})

	srv := newScriptedServer(t, func(call received) string {
		if call.Command == types.UserCommand {
			return `{
				"loadpackage": ["site", "never", {}, ""],
				"upload": [["a.css", "b.css"], "put", {"release": "r2"}, "finish", {"release": "r2"}]
			}`
		}
		return `{}`
	})

	result, err := h.orchestrator(t, srv.URL).Run(t.Context(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var puts, finishes int
	uploaded := map[string]bool{}
	for _, c := range srv.Calls() {
		switch c.Command {
		case "put":
			puts++
			uploaded[c.Args["filename"].(string)] = true
			if c.Args["release"] != "r2" || c.Filename == "" {
				t.Errorf("put call = %+v", c)
			}
		case "finish":
			finishes++
		case "never":
			t.Error("upload must override the loadpackage follow-up")
		}
	}
	if puts != 2 || finishes != 1 || !uploaded["a.css"] || !uploaded["b.css"] {
		t.Errorf("commands = %v", srv.Commands())
	}
	if last := srv.Calls()[len(srv.Calls())-1]; last.Command != "finish" {
		t.Errorf("completion call must come last, got %s", last.Command)
	}
	if result.Metrics.UploadsSucceeded != 2 {
		t.Errorf("metrics = %+v", result.Metrics)
	}
}

func TestRun_UploadBeforeLoad(t *testing.T) {
	h := newHarness(t)
	srv := newScriptedServer(t, func(received) string {
		return `{"upload": [["a"], "put", {}, "finish", {}]}`
	})

	_, err := h.orchestrator(t, srv.URL).Run(t.Context(), nil)
	if !errors.Is(err, types.ErrInvariant) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestRun_ServerErrorStopsLoop(t *testing.T) {
	h := newHarness(t)
	srv := newScriptedServer(t, func(received) string {
		return `{"error": "unknown command", "loadpackage": ["x", "y", {}, "z"]}`
	})

	o := h.orchestrator(t, srv.URL)
	result, err := o.Run(t.Context(), []string{"bogus"})
	if !types.IsClean(err) {
		t.Fatalf("expected clean error, got %v", err)
	}
	if result == nil || result.Calls != 1 {
		t.Errorf("result = %+v", result)
	}
	if o.Phase() == PhaseDone {
		t.Error("failed session must not reach done")
	}
	if h.collector.Snapshot().LoadPackageDirectives != 0 {
		t.Error("directives must not run when the reply carries an error")
	}
	// State is still written at the end of the session.
	if _, err := os.Stat(state.PathFor(h.root)); err != nil {
		t.Errorf("state file missing: %v", err)
	}
}

// fakeCaller serves scripted replies without HTTP.
type fakeCaller struct {
	replies []*types.ServerResponse
	reqs    []transport.Request
}

func (f *fakeCaller) Call(_ context.Context, req transport.Request) (*types.ServerResponse, error) {
	f.reqs = append(f.reqs, req)
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	resp := f.replies[0]
	f.replies = f.replies[1:]
	return resp, nil
}

type nopUploader struct{}

func (nopUploader) UploadMany(context.Context, *manifest.Package, *string, *types.UploadDirective) (types.PendingCall, error) {
	return types.PendingCall{}, nil
}

func TestRun_AbsolutePackagePath(t *testing.T) {
	h := newHarness(t)
	abs := t.TempDir()
	if err := os.WriteFile(filepath.Join(abs, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	caller := &fakeCaller{replies: []*types.ServerResponse{
		{LoadPackage: &types.LoadPackageDirective{Path: abs, CallName: "next", CallArgs: map[string]any{}}},
		{},
	}}
	o, err := NewOrchestrator(&Config{
		ProjectRoot: h.root,
		Transport:   caller,
		Uploader:    nopUploader{},
		Store:       h.store,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(t.Context(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	m, ok := caller.reqs[1].Args[ManifestArg].(Manifest)
	if !ok {
		t.Fatalf("manifest missing: %v", caller.reqs[1].Args)
	}
	if _, ok := m.Files["f"]; !ok || m.Index != "" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestRun_DirectiveArgsNotMutated(t *testing.T) {
	h := newHarness(t)
	h.writeFiles(t, "p", map[string]string{"f": "x"})

	callArgs := map[string]any{"keep": true}
	caller := &fakeCaller{replies: []*types.ServerResponse{
		{LoadPackage: &types.LoadPackageDirective{Path: "p", CallName: "next", CallArgs: callArgs}},
		{},
	}}
	o, err := NewOrchestrator(&Config{
		ProjectRoot: h.root,
		Transport:   caller,
		Uploader:    nopUploader{},
		Store:       h.store,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(t.Context(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := callArgs[ManifestArg]; ok {
		t.Error("directive callargs must not be mutated")
	}
}

func TestNewOrchestrator_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"no transport", &Config{Uploader: nopUploader{}, Store: h.store}},
		{"no uploader", &Config{Transport: &fakeCaller{}, Store: h.store}},
		{"no store", &Config{Transport: &fakeCaller{}, Uploader: nopUploader{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOrchestrator(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
