// Package engine wires all taskloom subsystems together: the event
// bus, the automation daemon with its middleware chain and rule
// limiter, the webhook executor, and the batch coordinator with its
// deadline sweeper.
//
// This package exists to break the import cycle: the root taskloom
// package defines Entity (imported by task, workflow, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
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
package engine
