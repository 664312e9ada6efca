// Package engine builds resource graphs and converges them.
//
// # Overview
//
// A convergence run has three steps:
//
//  1. Build - declarations are added to a GraphBuilder, which rejects
//     duplicates, resolves every declared and notified action against the
//     provider registered for the resource type, and orders the resources.
//  2. Converge - Engine.Run visits each resource exactly once in order:
//     evaluate guards, Probe the actual state, Diff it against the desired
//     state and Apply when they differ.
//  3. Notify - updated resources queue their notifications on a Dispatcher.
//     Immediate ones fire before the next resource is visited; delayed ones
//     fire once at the end of the run.
//
// # Ordering
//
// Declaration order is the default order. An explicit DependsOn moves a
// resource after its dependency; among resources that are free to run, the
// one declared first goes first. A dependency cycle fails the build with a
// CycleDetectedError naming every member.
//
// Notification edges do not constrain the order. When a notification fires
// on a resource that has not been visited yet, the resource is converged on
// the spot (its dependencies permitting) and not visited again. When the
// target was already visited, the provider's Act runs the named action, for
// example restart or reload.
//
// # Failures
//
// By default the first failed resource aborts the run and every resource not
// yet visited is reported as skipped. With Options.ContinueOnError the run
// goes on; resources that depend on a failed one are skipped and Report.Err
// joins all failures.
//
// Errors are EngineError values classified for retry decisions and wrap one
// of the typed errors below, so callers can use errors.As:
//
//   - DuplicateResourceError, CycleDetectedError, UnknownResourceError,
//     UnknownTypeError, UnsupportedActionError: build time, nothing applied
//   - ProviderProbeError, ProviderApplyError: run time, per resource
//
// # Example
//
//	registry, _ := engine.NewRegistry(pkgProvider, serviceProvider, fileProvider)
//	b := engine.NewGraphBuilder(registry)
//	_ = b.AddAll(decls)
//	graph, err := b.Build()
//	if err != nil {
//	    return err
//	}
//	report, err := engine.New(engine.Options{}).Run(ctx, graph, store.Snapshot())
//	fmt.Println(report.Summary)
package engine
