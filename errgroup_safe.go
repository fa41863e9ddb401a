package devicepool

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// groupGoSafe runs fn in an errgroup goroutine and turns a panic into an error.
// A pool run is not restartable, so unlike a worker loop the panic ends the goroutine.
//
// The panic goes to stderr rather than the structured logger: the logger itself
// may be what panicked.
func groupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
				err = errors.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn(ctx)
	})
}
