// Package executor runs execution plans: trees of tagged nodes produced by a
// query compiler, where each node is either control flow handled here or a
// store operation handed to the store executor registered for its kind.
//
// # Overview
//
// An execution goes through the following steps:
//  1. Resolution: a composite plan picks one of its single plans using the
//     binding named by its execution key. A missing key is a
//     *plan.ResolutionError and nothing runs.
//  2. Authorization: the configured authz.Authorizer sees the single plan
//     and the identity. It may deny (an *authz.DeniedError) or return a
//     rewritten plan.
//  3. Validation: every node kind in the tree must be handled by this
//     package, a registered store executor or an extra executor. An unknown
//     kind is an *UnsupportedNodeError raised before execution.
//  4. State setup: caller bindings are bound as constants, together with
//     userId, execID and referer. Every registered store gets a fresh
//     per-request state.
//  5. Execution: the root node runs depth first on the calling goroutine.
//  6. Ownership: every resource acquired along the way is attached to the
//     returned result. The caller must Close it.
//
// # Nodes
//
// Control flow nodes are handled here:
//
//   - Sequence runs its children in order and returns the last result.
//     Earlier results are closed. A parallel sequence whose leading
//     children are all allocations runs those on the worker pool first.
//   - Allocation runs its single child and binds the result under varName.
//   - Conditional evaluates a text/template over the constant bindings; it
//     must render "true" or "false".
//   - MultiResultSequence collects allocations and the last result into a
//     result.MultiResult.
//   - Error yields an error result with code 1.
//   - GlobalGraphFetch runs a graph fetch across stores, described below.
//
// Everything else is dispatched by node kind to the store.Registry, then to
// the extra executors in order.
//
// # Errors
//
// Node failures abort the enclosing subtree and the request. A store error
// returned as a Go error is converted into a *result.ErrorResult at the top,
// keeping the code of errors implementing result.Coded. An *ErrorResult
// produced by a node travels up unchanged. Pre-execution failures are
// returned as Go errors with no result.
//
// # Graph fetch
//
// A global graph fetch materialises the root objects with its local node,
// then fills cross-store properties level by level:
//
//   - Root objects are processed in batches of BatchSize. With a root cache,
//     objects already cached by their equality keys are served from the
//     cache and skip the child levels.
//   - For each child level, parents are deduplicated by their cross key
//     values. Groups already present in the cross-key cache are served from
//     it. The remaining groups are fetched with one run of the child's local
//     node, with the parents' key values bound under the child key property
//     names (as lists) and the tuples under graphfetch.ParentKeysBinding.
//     A non-batching cross-store node runs once per group with scalar
//     bindings instead.
//   - Grandchildren are fetched before children are attached.
//   - Children are attached with AttemptAddingChildToParent. A child that
//     matches no parent, or that a parent refuses, is dropped silently.
//   - Sibling levels run on the worker pool.
//
// In checked mode every root object is wrapped in a *checked.Checked, and
// cross-store properties holding fewer values than their lower bound add
// a defect instead of failing the fetch.
//
// # Concurrency
//
// The worker pool is bounded and shared by every execution of an Executor.
// When no slot is free the work runs on the calling goroutine, so nested
// parallel work never waits on a slot held by its parent.
package executor
