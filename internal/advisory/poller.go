package advisory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/observability"
)

// Poller reads the overrides file at a bounded rate and yields directives
// from versions it has not seen yet.
type Poller struct {
	path        string
	limiter     *rate.Limiter
	lastVersion uint64
}

// NewPoller polls path at most once per interval.
func NewPoller(path string, interval time.Duration) (*Poller, error) {
	if path == "" {
		return nil, fmt.Errorf("advisory poller: path required")
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{path: filepath.Clean(path), limiter: rate.NewLimiter(rate.Every(interval), 1)}, nil
}

// LastVersion returns the newest version applied so far.
func (p *Poller) LastVersion() uint64 { return p.lastVersion }

// Poll waits for the next polling slot, then reads the file. A missing
// file, or a version at or below the last seen one, yields nothing. A file
// with any invalid directive is rejected whole and its version is not consumed.
func (p *Poller) Poll(ctx context.Context) ([]Directive, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p.path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.New("advisory/poll", errs.CodeUnavailable, errs.WithCause(err))
	}
	var file Overrides
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errs.New("advisory/poll", errs.CodeValidation,
			errs.WithMessage("malformed overrides file"), errs.WithCause(err))
	}
	if file.Version <= p.lastVersion {
		return nil, nil
	}
	for _, d := range file.Directives {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	p.lastVersion = file.Version
	return file.Directives, nil
}

// Run polls until ctx is done, handing each batch of directives to apply.
// Failures are logged; the loop never blocks the dispatch path.
func (p *Poller) Run(ctx context.Context, apply func([]Directive)) {
	for {
		directives, err := p.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			observability.Log().Error("advisory poll failed",
				observability.Field{Key: "path", Value: p.path},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		if len(directives) > 0 {
			observability.Log().Info("advisory directives received",
				observability.Field{Key: "version", Value: p.lastVersion},
				observability.Field{Key: "count", Value: len(directives)})
			apply(directives)
		}
	}
}
