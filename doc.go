// Package zen embeds a native decision engine in Go programs.
//
// The engine evaluates JSON decision graphs (expression nodes, decision
// tables, switches, sub-decisions and host-defined custom nodes). This
// package is the host side of the boundary: it owns native handles, keeps
// host callbacks alive while native code can reach them, and moves every
// byte across the boundary through the native allocator.
//
// # Architecture Overview
//
//	zen/                 Runtime, Engine and Decision handles, callback bridge
//	├── abi/             Pointer-level contract: memory, packets, symbol table
//	├── marshal/         Result packet extraction and owned native buffers
//	├── registry/        Callback registration table
//	├── errors/          Boundary error codes and structured errors
//	├── core/            In-process reference engine (default backend)
//	├── wasmnative/      WebAssembly engine build hosted by wazero
//	├── loaders/         Ready-made Loader implementations
//	├── metrics/         Prometheus Observer
//	├── config/          File based configuration
//	└── server/          HTTP transport
//
// # Quick Start
//
//	rt, err := zen.NewRuntime(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	engine, err := rt.NewEngine(ctx, zen.WithLoader(loaders.Filesystem("./decisions")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Dispose()
//
//	res, err := engine.Evaluate(ctx, "pricing.json", []byte(`{"amount": 120}`))
//	fmt.Println(string(res.Result))
//
// # Callbacks
//
// Loaders and custom node handlers run inside native code. A custom node
// may call back into the engine (NodeRequest.GetField renders templates
// natively), and may use other engines and decisions with the callback's
// context. Re-entering the engine or decision that is running the callback
// fails with InvalidArgument.
//
// # Ownership
//
// Engines and decisions are exclusively owned. Dispose is idempotent and
// any call after it fails with DisposedError without reaching native code.
// Decisions outlive the engine that created them.
package zen
