// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// a conveyor node: storage, transport, worker pool and the HTTP API, with
// signal-aware shutdown.
//
// Example:
//
//	opts := serverrun.Options{ConfigPath: "conveyor.yaml", HTTPAddr: ":8474"}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
