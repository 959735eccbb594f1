// Package shutdown sequences graceful teardown across the engine's
// components. Handlers register into named stages; stages run in
// order, handlers within a stage run concurrently, and the whole
// sequence is bounded by the caller's context.
//
// The engine registers its pieces so that intake stops before the
// pipeline drains, the pipeline drains before correlations are
// failed, and sessions are completed last:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("transport", shutdown.StageIntake, tr.Close)
//	coord.RegisterFunc("pipeline", shutdown.StageDrain, proc.Shutdown)
//	coord.HandleSignals()
//	<-coord.Done()
package shutdown
