// Package engine wires all taskcrew subsystems together and provides
// the primary application-level API for registering handlers and
// enqueuing work.
//
// # Building an Engine
//
//	d, err := taskcrew.New(
//	    taskcrew.WithStore(sqliteStore),
//	    taskcrew.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(d,
//	    engine.WithFastIndex(redisindex.New(rdb)),
//	    engine.WithLimits(queue.Limit{WorkerType: "analyst", RateLimit: 5}),
//	    engine.WithPrometheus(prometheus.DefaultRegisterer),
//	)
//
// # Registering Handlers
//
//	eng.Register("analyst", registry.HandlerFunc(scoreLead))
//
//	engine.RegisterTyped(eng, "writer", func(ctx context.Context, call *registry.Call, in Brief) (map[string]any, error) {
//	    call.Emit("think", map[string]any{"topic": in.Topic})
//	    return map[string]any{"draft": draft(in)}, nil
//	})
//
// # Enqueuing and Observing
//
//	unitID, err := eng.Enqueue(ctx, "score_lead", "analyst", 5, input,
//	    workunit.WithSubjectRef("acct_456"),
//	)
//
//	sub, _ := eng.Subscribe("analyst")
//	for evt := range sub.C() {
//	    fmt.Println(evt.Kind, evt.Payload)
//	}
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: set the retry backoff strategy
//   - [WithFastIndex]: enable the dual backend over a fast index
//   - [WithLimits] and [WithSubjectLimits]: per-worker-type and per-subject limits
//   - [WithTimeouts]: handler deadlines
//   - [WithPrometheus]: lifecycle and broadcaster metrics
//   - [WithTracerProvider] and [WithMeterProvider]: OpenTelemetry providers
package engine
