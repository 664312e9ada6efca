package engine

import "context"

// Observer receives run lifecycle callbacks. Metrics, tracing and the run
// history store hook into the engine this way. Callbacks run synchronously
// on the engine goroutine and must not block for long.
type Observer interface {
	RunStarted(ctx context.Context, report *Report)
	ResourceStarted(ctx context.Context, id Identity) context.Context
	ResourceCompleted(ctx context.Context, result *ResourceResult)
	NotificationDispatched(ctx context.Context, result NotificationResult)
	RunCompleted(ctx context.Context, report *Report)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// some callbacks.
type NopObserver struct{}

func (NopObserver) RunStarted(context.Context, *Report) {}

func (NopObserver) ResourceStarted(ctx context.Context, _ Identity) context.Context { return ctx }

func (NopObserver) ResourceCompleted(context.Context, *ResourceResult) {}

func (NopObserver) NotificationDispatched(context.Context, NotificationResult) {}

func (NopObserver) RunCompleted(context.Context, *Report) {}

type observers []Observer

func (o observers) runStarted(ctx context.Context, r *Report) {
	for _, obs := range o {
		obs.RunStarted(ctx, r)
	}
}

func (o observers) resourceStarted(ctx context.Context, id Identity) context.Context {
	for _, obs := range o {
		ctx = obs.ResourceStarted(ctx, id)
	}
	return ctx
}

func (o observers) resourceCompleted(ctx context.Context, r *ResourceResult) {
	for _, obs := range o {
		obs.ResourceCompleted(ctx, r)
	}
}

func (o observers) notificationDispatched(ctx context.Context, r NotificationResult) {
	for _, obs := range o {
		obs.NotificationDispatched(ctx, r)
	}
}

func (o observers) runCompleted(ctx context.Context, r *Report) {
	for _, obs := range o {
		obs.RunCompleted(ctx, r)
	}
}
