// Package audithook is a taskcrew extension that turns lifecycle hooks
// into audit events.
//
// Every unit lifecycle hook, plus fast-backend health changes, emits a
// structured [AuditEvent] through the [Recorder] interface. Severity is
// info for normal transitions, warning for retries, cancellations and a
// lost fast backend, and critical for terminal failures.
//
// # Logging recorder
//
//	eng, _ := engine.Build(d,
//	    engine.WithExtension(audithook.New(audithook.NewSlogRecorder(logger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionUnitFailed,
//	        audithook.ActionUnitCancelled,
//	        audithook.ActionBackendHealth,
//	    ),
//	)
package audithook
