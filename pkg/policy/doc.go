// Package policy implements the rule engine that gates every tool invocation.
//
// # Evaluation Order
//
// Rule sets are grouped into four bands by category and evaluated in this
// order:
//
//  1. permissions
//  2. validation
//  3. rate_limits
//  4. everything else
//
// Within a band, rule sets run in load order. A rule applies when one of its
// appliesTo patterns is "*", the tool name, or a prefix ending in "*". Every
// condition of an applicable rule must pass; the first failing rule stops
// evaluation and its onFailure code and message are returned as the single
// violation.
//
// # Conditions
//
//   - role, role_in: the caller's role
//   - is_owner: a field of the target record (or the input, for creates) equals the caller id
//   - field_equals, field_not_equals, field_exists: a bare field name is read from
//     the input, then the record; rooted paths (input., caller., context., record.)
//     are resolved as written
//   - unique_within: no other record of a collection holds the same values
//   - not_self: the targeted id is not the caller's
//   - rate_limit: accepted, always passes
//   - custom: always passes; free-form checks belong to plan interpretation
//   - rego: an OPA module compiled at load time; passes when its query
//     (default data.<package>.allow) evaluates to true
//
// # Rego
//
// Modules see an Input document:
//
//	{"tool": ..., "operation": ..., "collection": ..., "record_id": ...,
//	 "input": {...}, "caller": {"id": ..., "role": ...}, "record": {...} | null,
//	 "now": "<RFC 3339>"}
//
// and may import data.toolstore.lib for has_role, has_any_role,
// authenticated, owns and mutating:
//
//	package toolstore.rules.tasks
//
//	import rego.v1
//	import data.toolstore.lib
//
//	allow if lib.has_role("admin")
//	allow if lib.owns("owner_id")
//
// The engine never returns an error from Evaluate. A store failure inside
// unique_within or a rego runtime error makes that condition fail.
package policy
