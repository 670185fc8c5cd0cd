// Package taskloom coordinates asynchronous task execution: an
// event-driven automation daemon that runs external commands against
// matching task events, a webhook executor that drives outbound HTTP
// side effects with exponential retry, and a batch coordinator that
// fans work out to an external system and joins the asynchronous
// callbacks into a single sealed result.
//
// Taskloom is a library, not a service. The engine package assembles
// the subsystems around a store; this root package holds the shared
// entity model, configuration, and error values.
//
// # Quick Start
//
//	st := memory.New()
//	eng, err := engine.New(st,
//	    engine.WithDaemonConfig(cfg),
//	    engine.WithCallbackSecret(secret),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(context.Background())
//
// # Architecture
//
// Each subsystem (task, workflow, daemon, batch) defines its own store
// interface. A single backend implements all of them; memory, postgres
// and redis backends ship under store/.
//
// All entity IDs are TypeIDs — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package taskloom
