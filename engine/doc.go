// Package engine ties the protocol layers together: it implements
// the transport handler contract, routes responses into the
// correlation manager, runs requests through the processing pipeline,
// and tracks sessions through the coordinator.
//
// Construction is two-phase because transports fix their handler at
// build time: create the engine, build a transport with the engine as
// its handler, then Bind the transport so the engine can send.
//
//	eng, _ := engine.New[transport.StdioMeta](engine.Config{}, engine.Options{Router: router})
//	tr, _ := transport.NewStdioBuilder(os.Stdin, os.Stdout).
//		WithHandler(eng).
//		Build()
//	eng.Bind(tr)
//	tr.Start()
package engine
