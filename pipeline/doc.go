// Package pipeline executes inbound protocol work across a bounded
// pool of workers with backpressure.
//
// Each worker owns its own bounded queue; Submit picks the
// least-loaded worker and falls through to the next-least-loaded when
// that one is saturated. When every worker is full the task is
// rejected immediately with ErrBackpressure; submission never blocks
// and queue growth is bounded by Workers × QueueSize outstanding
// tasks.
//
// A task is single-owner: it moves into exactly one worker and its
// failure (error or panic) is captured on its Handle, never
// propagated out of the worker.
//
//	h, err := proc.Submit(&pipeline.Task{ID: "t1", Run: work})
//	if errors.Is(err, pipeline.ErrBackpressure) {
//		// shed load
//	}
package pipeline
