package zen

import (
	"context"
	stderrors "errors"
)

// ErrDecisionNotFound tells the engine that a loader has no decision for a
// key. Returning (nil, nil) means the same.
var ErrDecisionNotFound = stderrors.New("zen: decision not found")

// Loader resolves decision content by key. It is called by the engine,
// from inside native code, the first time a key is needed.
//
// Any error other than ErrDecisionNotFound surfaces as LoaderInternalError
// carrying the error's message.
type Loader func(ctx context.Context, key string) ([]byte, error)

// LoaderResponse is the outcome of an asynchronous load.
type LoaderResponse struct {
	Content []byte
	Err     error
}

// AsyncLoader resolves decision content on its own schedule. The channel
// must yield at most one response; closing it without a value means not found.
type AsyncLoader func(ctx context.Context, key string) <-chan LoaderResponse

// BlockingLoader adapts an AsyncLoader to the blocking callback native code
// expects. The wait ends with the response or when ctx is done.
func BlockingLoader(load AsyncLoader) Loader {
	return func(ctx context.Context, key string) ([]byte, error) {
		ch := load(ctx, key)
		if ch == nil {
			return nil, ErrDecisionNotFound
		}
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, ErrDecisionNotFound
			}
			return resp.Content, resp.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MapLoader serves decisions from a fixed map. Handy for tests and for
// embedding decisions in a binary.
func MapLoader(decisions map[string][]byte) Loader {
	return func(_ context.Context, key string) ([]byte, error) {
		content, ok := decisions[key]
		if !ok {
			return nil, ErrDecisionNotFound
		}
		return content, nil
	}
}
