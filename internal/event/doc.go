// Package event provides the in-process event hub that agents and the
// coordination layer use to talk to each other.
//
// # Main Types
//
//   - [AgentEvent]: an immutable domain event with a [Kind] and a typed [Payload]
//   - [Bus]: synchronous hub with direct handlers, buffered subscriptions and wait groups
//   - [Subscription]: per-agent interest in a set of kinds, optionally one-shot
//   - [Pending]: handle returned by [Bus.PreSubscribe]
//
// # Delivery Model
//
// [Bus.Publish] runs in four steps:
//
//  1. Every direct handler registered with [Bus.On] is called in registration
//     order. Errors and panics are logged and do not stop delivery.
//  2. Matching subscriptions are sorted by priority (highest first, ties in
//     registration order) and the event is queued for each owner.
//  3. One-shot subscriptions that matched are removed.
//  4. AGENT_COMPLETED and REPORT_SUBMITTED mark the completing agent in every
//     wait group expecting it. A group fires its callback once, when all of its
//     agents have completed, and is then removed.
//
// Queued deliveries are pulled with [Bus.DrainPendingEvents].
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. State is guarded by one mutex and all
// callbacks run outside it, so a handler may publish again. Events published
// by one goroutine reach every consumer in publication order.
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//
//	_, _ = bus.Subscribe(event.Subscription{
//	    OwnerAgentID: "lead",
//	    EventTypes:   []event.Kind{event.KindTaskCompleted},
//	    ExcludeSelf:  true,
//	})
//
//	bus.Publish(event.MustNew("worker-1", "ws-1", event.TaskCompleted{TaskID: "t1", AgentID: "worker-1"}))
//
//	for _, d := range bus.DrainPendingEvents("lead") {
//	    fmt.Println(d.Event.Kind)
//	}
//
// # Awaiting an Event
//
// Register interest before triggering the action, then wait:
//
//	p, err := bus.PreSubscribe(event.PreSubscribeOptions{
//	    AgentID:    "lead",
//	    EventTypes: []event.Kind{event.KindReportSubmitted},
//	})
//	if err != nil {
//	    return err
//	}
//	defer p.Dispose()
//	delegate()
//	ev, err := p.Wait(ctx)
package event
