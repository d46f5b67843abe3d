// Package runtime is the request gate in front of the executors.
//
// Invoke resolves a tool's compiled plan, applies the plan's auth block,
// evaluates rule sets against the plan's primary operation (loading the
// target record for update, delete and read) and only then runs the plan.
// After a successful create, update or delete it runs every workflow whose
// event trigger matches "<collection>.<operation>".
//
// Bootstrap wires a whole process from config.Config: artifact registry,
// storage engine, optional SQLite run journal, policy engine, action and saga
// executors, with telemetry metrics as the observer for each.
package runtime
