package pagedllm

import "errors"

// Error kinds surfaced by the engine. Internal invariant violations
// (negative refcount, append without capacity, sampler emitting for an
// unknown sequence id) are not represented here: they abort the engine.
var (
	// ErrInvalidRequest covers duplicate request ids, empty prompts and
	// prompts longer than the model limit.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConfig reports caps inconsistent with the block pool.
	ErrConfig = errors.New("invalid config")

	// ErrCapacityExhausted is returned when a single request can never fit
	// its prompt given num_kv_blocks x block_size.
	ErrCapacityExhausted = errors.New("kv cache capacity exhausted")

	// ErrOutOfBlocks is returned by the block pool when the free list is
	// empty. The scheduler gates every append behind CanAppendTokens, so
	// observing it during an append is fatal.
	ErrOutOfBlocks = errors.New("out of kv blocks")

	// ErrModelStep wraps failures propagated from the model runner.
	ErrModelStep = errors.New("model step failed")

	// ErrEngineAborted is returned by Step and AddRequest after a fatal
	// error has quiesced the engine. Only shutdown is valid from that state.
	ErrEngineAborted = errors.New("engine aborted")
)
