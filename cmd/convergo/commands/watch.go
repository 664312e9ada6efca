package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	convergeOptions
	debounce time.Duration
}

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var wo watchOptions

	cmd := &cobra.Command{
		Use:   "watch [definition]",
		Short: "Converge, then converge again whenever the definition changes",
		Long: `Watch converges once and then watches the run definition, its attribute
files, recipes, templates and policies. Every change triggers a new
converge once the files have been quiet for the debounce interval. Runs
never overlap. A failed run is reported and watching continues.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.watch(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), definitionArg(args), wo)
		},
	}

	cmd.Flags().BoolVar(&wo.continueOnError, "continue-on-error", false, "keep converging after a failed resource")
	cmd.Flags().BoolVarP(&wo.dryRun, "why-run", "n", false, "report what would change without changing anything")
	cmd.Flags().DurationVar(&wo.debounce, "debounce", 500*time.Millisecond, "quiet period before converging after a change")

	return cmd
}

// watch blocks until ctx is cancelled.
func (o *globalOptions) watch(ctx context.Context, stdout, stderr io.Writer, path string, wo watchOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := map[string]bool{}
	var history string
	run := func() {
		if _, err := o.converge(ctx, stdout, stderr, path, wo.convergeOptions); err != nil {
			log.Error().Err(err).Msg("Converge failed")
		}
		// Recipes and templates may have been added since the last run.
		l, err := o.load(ctx, path)
		if err != nil {
			if abs, aerr := filepath.Abs(path); aerr == nil {
				addWatch(watcher, watched, abs)
			}
			return
		}
		for _, dir := range l.watchPaths() {
			addWatch(watcher, watched, dir)
		}
		if history = o.historyPath(l.def); history != "" {
			history, _ = filepath.Abs(history)
		}
	}

	run()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantChange(event) || (history != "" && strings.HasPrefix(event.Name, history)) {
				continue
			}
			log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Run definition changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(wo.debounce)
			pending = timer.C

		case <-pending:
			pending = nil
			log.Info().Str("definition", path).Msg("Converging after change")
			run()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn().Msg("Watch events overflowed, converging")
				pending = time.After(0)
				continue
			}
			log.Error().Err(err).Msg("Watch error")
		}
	}
}

func addWatch(watcher *fsnotify.Watcher, watched map[string]bool, dir string) {
	if watched[dir] {
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return
	}
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
		return
	}
	watched[dir] = true
}

// relevantChange filters out chmods and editor scratch files.
func relevantChange(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	switch {
	case strings.HasPrefix(base, "."), strings.HasPrefix(base, "#"):
		return false
	case strings.HasSuffix(base, "~"), strings.HasSuffix(base, ".swp"), strings.HasSuffix(base, ".tmp"):
		return false
	}
	return true
}
