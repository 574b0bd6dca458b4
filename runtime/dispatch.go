package runtime

import (
	"context"

	"github.com/pithecene-io/pkgsync/manifest"
	"github.com/pithecene-io/pkgsync/types"
)

// ManifestArg is the call argument carrying the loaded package manifest.
const ManifestArg = "manifest"

// Manifest is the package description injected into the call that follows
// a loadpackage directive.
type Manifest struct {
	// Index is the contents of the package index file.
	Index string `json:"index"`
	// Files maps package-relative names to their records.
	Files map[string]manifest.FileRecord `json:"files"`
}

// directive is one entry of the dispatch table. Entries run in table
// order and each may produce the next call.
type directive struct {
	name    string
	present func(*types.ServerResponse) bool
	handle  func(context.Context, *Orchestrator, *types.ServerResponse) (*types.PendingCall, error)
}

// effect is a state change applied after every directive has run.
type effect struct {
	name    string
	present func(*types.ServerResponse) bool
	apply   func(*Orchestrator, *types.ServerResponse)
}

var directives = []directive{
	{
		name:    types.FieldLoadPackage,
		present: func(r *types.ServerResponse) bool { return r.LoadPackage != nil },
		handle: func(ctx context.Context, o *Orchestrator, r *types.ServerResponse) (*types.PendingCall, error) {
			return o.loadPackage(ctx, r.LoadPackage)
		},
	},
	{
		name:    types.FieldUpload,
		present: func(r *types.ServerResponse) bool { return r.Upload != nil },
		handle: func(ctx context.Context, o *Orchestrator, r *types.ServerResponse) (*types.PendingCall, error) {
			return o.upload(ctx, r.Upload)
		},
	},
}

var effects = []effect{
	{
		name:    types.FieldLogin,
		present: func(r *types.ServerResponse) bool { return r.Login != nil },
		apply: func(o *Orchestrator, r *types.ServerResponse) {
			o.state.SetToken(*r.Login)
			o.config.Collector.IncLogin()
			o.logger.Info("login token stored", nil)
		},
	},
	{
		name:    types.FieldLogout,
		present: func(r *types.ServerResponse) bool { return r.Logout },
		apply: func(o *Orchestrator, _ *types.ServerResponse) {
			o.state.ClearToken()
			o.config.Collector.IncLogout()
			o.logger.Info("login token cleared", nil)
		},
	},
}

// loadPackage indexes the named directory, replacing any previously loaded
// package, and builds the follow-up call with the manifest injected.
func (o *Orchestrator) loadPackage(ctx context.Context, d *types.LoadPackageDirective) (*types.PendingCall, error) {
	o.config.Collector.IncLoadPackageDirective()

	dir := o.resolvePackagePath(d.Path)
	pkg, err := manifest.Index(ctx, dir, manifest.Options{
		Workers:   o.config.IndexWorkers,
		Logger:    o.logger,
		Collector: o.config.Collector,
	})
	if err != nil {
		return nil, err
	}
	o.pkg = pkg

	var index string
	if d.IndexFile != "" {
		data, err := pkg.ReadFile(d.IndexFile)
		if err != nil {
			return nil, err
		}
		index = string(data)
	}

	next := d.Next()
	next.Args[ManifestArg] = Manifest{
		Index: index,
		Files: pkg.Files(),
	}

	o.logger.Debug("package loaded", map[string]any{
		"path":  pkg.Root(),
		"files": pkg.Len(),
		"next":  next.Command,
	})
	return &next, nil
}

// upload sends the directive's files from the loaded package and returns
// the completion call.
func (o *Orchestrator) upload(ctx context.Context, d *types.UploadDirective) (*types.PendingCall, error) {
	o.config.Collector.IncUploadDirective()

	next, err := o.config.Uploader.UploadMany(ctx, o.pkg, o.state.LoginToken, d)
	if err != nil {
		return nil, err
	}
	return &next, nil
}
