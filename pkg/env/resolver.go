// Package env resolves the key/value environment a batch of requests runs in.
//
// Resolution happens on a background goroutine. The caller checks in with
// Resolution.Poll from its cooperative loop and never blocks on it.
package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/requester/pkg/request"
)

// ErrResolutionTimeout is reported when resolution exceeds the configured bound.
var ErrResolutionTimeout = errors.New("environment took too long to resolve")

// ResolutionError reports a source that could not be loaded or evaluated.
// The source contributes no bindings; resolution carries on without it.
type ResolutionError struct {
	Source SourceKind
	Path   string
	Err    error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("env %s %s: %v", e.Source, e.Path, e.Err)
	}
	return fmt.Sprintf("env %s: %v", e.Source, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver computes environments from Sources.
type Resolver struct {
	readFile func(string) ([]byte, error)
	logger   zerolog.Logger
}

// NewResolver creates a resolver reading source files from disk.
func NewResolver() *Resolver {
	return &Resolver{
		readFile: os.ReadFile,
		logger:   log.With().Str("component", "env").Logger(),
	}
}

// NewResolverWithReader creates a resolver loading source files through read.
func NewResolverWithReader(read func(path string) ([]byte, error)) *Resolver {
	r := NewResolver()
	r.readFile = read
	return r
}

// Resolve computes the environment for sources synchronously. Every failing
// source is reported in the returned slice and treated as empty. The
// environment is nil when no source yields bindings.
func (r *Resolver) Resolve(ctx context.Context, src Sources) (request.Environment, []error) {
	var (
		fileData, envFileData []byte
		fileErr, envFileErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	if src.File != "" {
		g.Go(func() error {
			fileData, fileErr = r.read(gctx, src.File)
			return nil
		})
	}
	if src.EnvFile != "" {
		g.Go(func() error {
			envFileData, envFileErr = r.read(gctx, src.EnvFile)
			return nil
		})
	}
	_ = g.Wait()

	env := make(request.Environment)
	var errs []error

	merge := func(kind SourceKind, path string, bindings map[string]any, err error) {
		if err != nil {
			r.logger.Warn().Err(err).Str("source", string(kind)).Str("path", path).Msg("Environment source failed")
			errs = append(errs, &ResolutionError{Source: kind, Path: path, Err: err})
			return
		}
		for k, v := range bindings {
			env[k] = v
		}
		r.logger.Debug().Str("source", string(kind)).Int("bindings", len(bindings)).Msg("Merged environment source")
	}

	if src.Inline != "" {
		bindings, err := Eval(src.Inline)
		merge(SourceInline, "", bindings, err)
	}

	if src.File != "" {
		if fileErr != nil {
			merge(SourceFile, src.File, nil, fileErr)
		} else if block := ParseBlock(string(fileData)); block != "" {
			bindings, err := Eval(block)
			merge(SourceFile, src.File, bindings, err)
		}
	}

	if src.EnvFile != "" {
		if envFileErr != nil {
			merge(SourceEnvFile, src.EnvFile, nil, envFileErr)
		} else {
			bindings, err := evalEnvFile(src.EnvFile, envFileData)
			merge(SourceEnvFile, src.EnvFile, bindings, err)
		}
	}

	if len(env) == 0 {
		return nil, errs
	}
	return env, errs
}

func (r *Resolver) read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.readFile(path)
}

// Start begins resolving sources on a background goroutine.
func (r *Resolver) Start(ctx context.Context, src Sources) *Resolution {
	ctx, cancel := context.WithCancel(ctx)
	res := &Resolution{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer cancel()
		env, errs := r.Resolve(ctx, src)

		res.mu.Lock()
		res.env, res.errs = env, errs
		res.mu.Unlock()
		close(res.done)
	}()

	return res
}

// Resolution is the single-slot result of a background resolution.
type Resolution struct {
	mu     sync.Mutex
	env    request.Environment
	errs   []error
	done   chan struct{}
	cancel context.CancelFunc
}

// Done is closed once the result is available.
func (r *Resolution) Done() <-chan struct{} {
	return r.done
}

// Poll returns the result without blocking. ok is false while resolution
// is still running.
func (r *Resolution) Poll() (env request.Environment, errs []error, ok bool) {
	select {
	case <-r.done:
	default:
		return nil, nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.env, r.errs, true
}

// Abandon gives up on the resolution. File reads that have not started
// yet are skipped; the goroutine is never interrupted.
func (r *Resolution) Abandon() {
	r.cancel()
}
