// Package redundancy runs a set of redundant server instances of which
// exactly one serves at a time, and fails over to the next eligible instance
// whenever the serving one steps down.
//
// The instances share a [Directory]: the redundant server array (one
// [StatusRecord] per instance) and the current server id. Only the instance
// the current server id points at may activate. While it runs, a [Watcher]
// hosted by another instance observes it, and when it publishes Shutdown or
// Failed the orchestrator waits for its endpoint to be released, moves it to
// the tail of the rotation and activates the next instance that is neither
// Failed nor Running.
//
// # Quick Start
//
//	set, err := redundancy.New(redundancy.Config{Size: 3})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := set.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("activated: %v", set.History())
//
// # Endpoints
//
// Each instance wraps an [endpoint.Endpoint]. [MemoryEndpoints] builds
// in-process endpoints; [NATSEndpoints] builds one NATS micro service per
// instance answering status and value requests and publishing sampled data
// points.
//
// # Failures
//
// Every running instance samples an analog value periodically and, unless
// [Config.DisableFaults] is set, schedules one simulated failure after a
// random delay. [FaultModeFail] forces the instance into Failed, which
// removes it from rotation for good. [FaultModeShutdown] steps it down
// gracefully; it is rebuilt the next time it is selected, so the set keeps
// rotating.
//
// # Observability
//
// [RedundantSet.Observe] returns a snapshot for display. [Metrics] exports
// Prometheus gauges and counters, [ControlService] exposes status and
// stepdown, fail and shutdown operations over NATS, and [DirectoryMirror]
// copies the directory to a JetStream KV bucket for remote observers.
package redundancy
