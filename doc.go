// Package tensormem provides tensor memory management for training
// workloads under a fixed memory budget.
//
// Tensormem packs the tensors of a training run into one contiguous
// buffer using interval packing over their step lifetimes, and degrades
// gracefully to a swap-backed cache when the packed footprint does not
// fit the budget:
//
//   - Packing strategies: Basic (no reuse), FirstFit, BestFit, Coalesce
//   - Static offsets with lock-free handle resolution when the plan fits
//   - Offline-optimal (farthest-next-use) eviction when it does not
//   - Asynchronous swap I/O with generation-guarded completions,
//     bounded workers, retries and linear backoff
//   - Swap tiers: local file (optional LZ4/ZSTD compression) or S3
//   - Off-heap buffers via anonymous memory mappings
//
// # Quick Start
//
// Register tensors with their byte size and step lifetime, plan, then
// access per step:
//
//	tp, err := tensormem.New(64<<20,
//	    tensormem.WithStrategy(planner.StrategyCoalesce),
//	    tensormem.WithSwapFile("./swap.bin", swap.CompressionLZ4),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer tp.Close()
//
//	_ = tp.Register(1, 16<<20, 64, model.Lifetime{First: 0, Last: 9}) // weights
//	_ = tp.Register(2, 48<<20, 64, model.Lifetime{First: 0, Last: 1}) // activations
//	_ = tp.Register(3, 48<<20, 64, model.Lifetime{First: 1, Last: 2}) // gradients
//
//	if err := tp.Plan(ctx); err != nil {
//	    panic(err)
//	}
//
//	for step := model.Step(0); step <= 2; step++ {
//	    buf, err := tp.GetHandle(ctx, 1, step)
//	    // ... compute into buf ...
//	    _, _ = tp.EndStep(ctx)
//	}
//
// When the footprint exceeds the budget the same loop keeps working: the
// pool evicts the resident tensor used farthest in the future, reloads on
// access and prefetches upcoming tensors while the caller computes.
package tensormem
