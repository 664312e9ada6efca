package engine

// Dispatcher queues notifications by timing.
//
// Immediate notifications are drained right after the resource that queued
// them completes. Delayed notifications accumulate for the whole run and are
// drained once at the end, in first-queued order, with duplicates of the same
// (target, action) pair collapsed regardless of which resource queued them.
type Dispatcher struct {
	immediate []Notification
	delayed   []Notification
	seen      map[dispatchKey]bool
}

type dispatchKey struct {
	target Identity
	action Action
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{seen: make(map[dispatchKey]bool)}
}

// Queue appends a notification to the queue for its timing.
func (d *Dispatcher) Queue(n Notification) {
	if n.Timing == TimingImmediate {
		d.immediate = append(d.immediate, n)
		return
	}
	key := dispatchKey{target: n.Target, action: n.Action}
	if d.seen[key] {
		return
	}
	d.seen[key] = true
	d.delayed = append(d.delayed, n)
}

// DrainImmediate fires queued immediate notifications in order. Notifications
// queued while firing are drained in the same call.
func (d *Dispatcher) DrainImmediate(fire func(Notification) error) error {
	for len(d.immediate) > 0 {
		n := d.immediate[0]
		d.immediate = d.immediate[1:]
		if err := fire(n); err != nil {
			return err
		}
	}
	return nil
}

// DrainDelayed fires the delayed queue once, in first-queued order. Immediate
// notifications raised by converging a delayed target are drained inline.
func (d *Dispatcher) DrainDelayed(fire func(Notification) error) error {
	for len(d.delayed) > 0 {
		n := d.delayed[0]
		d.delayed = d.delayed[1:]
		if err := fire(n); err != nil {
			return err
		}
		if err := d.DrainImmediate(fire); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the notifications that have not fired yet, immediate first.
func (d *Dispatcher) Pending() []Notification {
	out := make([]Notification, 0, len(d.immediate)+len(d.delayed))
	out = append(out, d.immediate...)
	return append(out, d.delayed...)
}
