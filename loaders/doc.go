// Package loaders provides ready-made zen.Loader implementations.
//
// Every loader reports a missing key with zen.ErrDecisionNotFound so the
// engine surfaces it as LoaderKeyNotFound. Other failures become
// LoaderInternalError with the loader's message.
//
//	engine, err := rt.NewEngine(ctx, zen.WithLoader(loaders.Filesystem("./decisions")))
//
// Decision content stored as YAML (keys ending in .yaml or .yml) is
// converted to JSON before it reaches the engine.
package loaders
