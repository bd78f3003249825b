// Package coordination provides a Hub that wires the event bus, the task
// store and the session notification pipe together for one process.
//
// Every Hub operation follows the same flow:
//
//	store mutation → bus.Publish → handlers, subscriptions, wait groups
//	                             → session bridge → pipe (deliver or buffer)
//
// Task updates that may race with other agents go through
// taskgraph.UpdateWithRetry; when the retry budget is spent the caller gets a
// *errors.ConflictError and should retry with the latest state.
//
// Usage:
//
//	hub, err := coordination.NewHub(coordination.Config{
//	    Bus:   bus,
//	    Store: store,
//	    Pipe:  pipe,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := hub.Start(ctx); err != nil {
//	    return err
//	}
//	defer hub.Close()
//
//	_, err = hub.DelegateTask(ctx, "schema", "agent-1", "lead")
package coordination
