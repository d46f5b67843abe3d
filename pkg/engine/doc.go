// Package engine provides the core types and the deterministic runtime of toolstore.
//
// # Overview
//
// toolstore gives a tool-calling interface durable record storage plus an
// engine that executes pre-compiled operations against it. A request flows
// through three stages:
//
//  1. Gate - rule sets are evaluated against the call (package policy)
//  2. Execute - a Plan runs on the ActionExecutor, or a Workflow on the SagaExecutor
//  3. Store - every read and write goes through the Store interface (package storage)
//
// # Core Domain Types
//
//   - Record: a field map carrying the four system fields _id, _created_at, _updated_at, _version
//   - EntitySchema / FieldSchema: the declared shape of a collection
//   - Query / Page: list requests and paginated results
//   - Plan: an ordered list of typed Steps plus declared inputs and errors
//   - RuleSet: categorised rules, each a conjunction of RuleConditions
//   - Workflow: steps plus a trigger and Compensation handlers
//
// # Steps
//
// Step is a tagged union. The "type" field selects one concrete config
// (ValidateStep, DBReadStep, ParallelStep, ...) at decode time, so executors
// switch on Go types rather than reading untyped maps.
//
// Values inside step configuration are references resolved by Scope:
//
//	input.<field>               the caller's input
//	context.<var>[.<field>...]  results of earlier steps
//	caller.<field>              the caller identity
//	true, false, null, 42       literal tokens
//	anything else               a string literal
//
// # Error Classification
//
// Errors carry a class for retry logic and a code for callers:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Lock contention (code busy)
//   - Permanent: not_found, unique_violation, invalid_input, check_failed and rule codes
//
// Use CodeOf and the Is* helpers to inspect errors:
//
//	if IsBusy(err) {
//	    // retry later
//	}
//
// # Sagas
//
// The SagaExecutor commits each step independently. When step i fails it stops,
// runs every compensation whose forStep is i or "any" through the injected
// Compensator, and reports each outcome next to the original failure. Step
// indices are 0-based.
package engine
