// Package upload compresses package files and sends them to the service.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/pkgsync/iox"
	"github.com/pithecene-io/pkgsync/log"
	"github.com/pithecene-io/pkgsync/manifest"
	"github.com/pithecene-io/pkgsync/metrics"
	"github.com/pithecene-io/pkgsync/transport"
	"github.com/pithecene-io/pkgsync/types"
)

// MaxConcurrent is the number of simultaneous transfers.
const MaxConcurrent = 4

// FilenameArg is the upload argument that names the file being sent.
const FilenameArg = "filename"

// Caller performs one server exchange. *transport.Client implements it.
type Caller interface {
	Call(ctx context.Context, req transport.Request) (*types.ServerResponse, error)
}

// Config configures an Engine.
type Config struct {
	// Transport sends the upload calls (required).
	Transport Caller
	// Output receives progress notices. Defaults to os.Stdout.
	Output io.Writer
	// TempDir holds compressed files while they are sent. Empty means os.TempDir().
	TempDir string
	// Logger receives debug output. Nil disables logging.
	Logger *log.Logger
	// Collector records upload counters. May be nil.
	Collector *metrics.Collector
}

// Engine uploads files of a loaded package.
type Engine struct {
	transport Caller
	out       io.Writer
	tempDir   string
	logger    *log.Logger
	collector *metrics.Collector
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("upload engine requires a transport")
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		transport: cfg.Transport,
		out:       out,
		tempDir:   cfg.TempDir,
		logger:    logger,
		collector: cfg.Collector,
	}, nil
}

// UploadFile gzips one package file and sends it with command. The call
// arguments are a copy of args with "filename" set to the package-relative
// name. The compressed temporary file is removed on every exit path.
func (e *Engine) UploadFile(ctx context.Context, pkg *manifest.Package, token *string, filename, command string, args map[string]any) error {
	err := e.uploadFile(ctx, pkg, token, filename, command, args)
	if err != nil {
		e.collector.IncUploadFailure()
	}
	return err
}

func (e *Engine) uploadFile(ctx context.Context, pkg *manifest.Package, token *string, filename, command string, args map[string]any) error {
	if pkg == nil {
		return &types.InvariantViolation{Message: "upload requested before any package was loaded"}
	}
	src, err := pkg.Path(filename)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(e.out, "Uploading %s...\n", filename)
	start := time.Now()

	tmp, size, err := e.compress(src, filename)
	if err != nil {
		return err
	}
	defer iox.DiscardRemove(tmp)

	callArgs := types.CloneArgs(args)
	callArgs[FilenameArg] = filename

	if _, err := e.transport.Call(ctx, transport.Request{
		Command:    command,
		Args:       callArgs,
		Token:      token,
		Attachment: &transport.Attachment{Path: tmp, Name: filename},
	}); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}

	e.collector.AddUploadSuccess(size)
	e.logger.Debug("file uploaded", map[string]any{
		"file":        filename,
		"compressed":  size,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// compress writes a gzip copy of src to a new temporary file and returns
// its path and size. On error no temporary file is left behind.
func (e *Engine) compress(src, name string) (_ string, _ int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", 0, &manifest.FileVanishedError{Name: name, Err: err}
		}
		return "", 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer iox.DiscardClose(in)

	tmp, err := os.CreateTemp(e.tempDir, "pkgsync-upload-*.gz")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			iox.DiscardClose(tmp)
			iox.DiscardRemove(tmp.Name())
		}
	}()

	zw := gzip.NewWriter(tmp)
	if _, err = io.Copy(zw, in); err != nil {
		return "", 0, fmt.Errorf("compress %s: %w", name, err)
	}
	if err = zw.Close(); err != nil {
		return "", 0, fmt.Errorf("compress %s: %w", name, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), info.Size(), nil
}

// UploadMany uploads every file named by d with at most MaxConcurrent
// transfers in flight, then returns the completion call.
//
// After the first failure no new upload starts; uploads already running
// finish. Every failure is returned, first failure first.
func (e *Engine) UploadMany(ctx context.Context, pkg *manifest.Package, token *string, d *types.UploadDirective) (types.PendingCall, error) {
	if pkg == nil {
		return types.PendingCall{}, &types.InvariantViolation{Message: "upload directive received before any package was loaded"}
	}
	if d == nil {
		return types.PendingCall{}, &types.InvariantViolation{Message: "nil upload directive"}
	}

	var (
		mu     sync.Mutex
		errs   []error
		failed atomic.Bool
	)

	g := new(errgroup.Group)
	g.SetLimit(MaxConcurrent)
	for _, name := range d.Files {
		if failed.Load() {
			break
		}
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := e.UploadFile(ctx, pkg, token, name, d.UploadCall, d.UploadArgs); err != nil {
				failed.Store(true)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	switch len(errs) {
	case 0:
	case 1:
		return types.PendingCall{}, errs[0]
	default:
		return types.PendingCall{}, errors.Join(errs...)
	}

	e.logger.Debug("upload batch complete", map[string]any{
		"files": len(d.Files),
		"next":  d.CompleteCall,
	})
	return d.Next(), nil
}
