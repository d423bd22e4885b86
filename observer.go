package zen

import "time"

// Observer receives lifecycle and timing events. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	EngineCreated(id string)
	EngineDisposed(id string)
	// Evaluated reports a finished evaluation. op is one of
	// "engine.evaluate", "decision.evaluate", "expression", "unary" or "template".
	Evaluated(op string, d time.Duration, err error)
	LoaderCalled(key string, d time.Duration, err error)
	CustomNodeCalled(kind string, d time.Duration, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) EngineCreated(string) {}
func (NopObserver) EngineDisposed(string) {}
func (NopObserver) Evaluated(string, time.Duration, error) {}
func (NopObserver) LoaderCalled(string, time.Duration, error) {}
func (NopObserver) CustomNodeCalled(string, time.Duration, error) {}
