// Package errors provides the structured error type of the decision engine boundary.
//
// Every native result packet with a non-zero code is decoded into exactly one
// *Error carrying the machine-readable Code and the optional JSON Details text.
// Host-side lifecycle failures (use after dispose, failed construction, aborted
// native calls) use the host-only codes, which native code never produces.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.InvalidArgument).
//		Phase(errors.PhaseHost).
//		Op("engine.get_decision").
//		Details("key must not be empty").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.FromPacket("decision.evaluate", code, details)
//	err := errors.Disposed("engine.evaluate", "engine")
//
// Errors match by code with the standard library:
//
//	if stderrors.Is(err, errors.ErrLoaderKeyNotFound) { ... }
package errors
