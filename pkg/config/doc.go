// Package config loads everything toolstore needs before it can serve a call:
// the process configuration, the compiled artifacts, and the Starlark runtime
// used by compensation scripts.
//
// # Configuration
//
// Load reads an optional toolstore.yaml with viper and applies TOOLSTORE_*
// environment overrides (nested keys use underscores, e.g.
// TOOLSTORE_LOGGING_LEVEL). Config.Validate checks field constraints with
// go-playground/validator.
//
// # Artifacts
//
// A Registry loads plans, workflows, rule sets and entity schemas from an
// artifacts directory. Every document carries a kind:
//
//	kind: plan       // engine.Plan, looked up by toolName
//	kind: workflow   // engine.Workflow
//	kind: rules      // engine.RuleSet
//	kind: schema     // engine.EntitySchema
//
// Documents may be JSON, YAML (several per file, separated by ---) or CUE.
// Each is unified with a built-in CUE definition before it is decoded, so a
// malformed artifact fails at load time and never reaches the executors. A
// document without a sourceHash gets one computed from its canonical form.
//
// # Starlark
//
// StarlarkEvaluator runs sandboxed scripts with a timeout. StarlarkCompensator
// implements engine.Compensator on top of it:
//
//	compensations:
//	  - forStep: 1
//	    action: cancel_order
//	    script: |
//	      def undo():
//	          update("orders", context["order"]["_id"], {"status": "cancelled"})
//	      undo()
package config
