package runtime

import "context"

// SafeGo starts fn in a goroutine protected by panic recovery.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "", name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent starts fn in a goroutine protected by panic
// recovery with full observability attribution.
//
//	runtime.SafeGoWithContextAndComponent(ctx, logger, "store", "reaper", runtime.KeepRunning,
//		func(ctx context.Context) { reaper.loop(ctx) })
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
