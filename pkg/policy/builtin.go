package policy

type libraryModule struct {
	name   string
	source string
}

// builtinModules returns the rego library compiled alongside every rego
// condition. Rule modules import it as data.toolstore.lib.
func builtinModules() []libraryModule {
	return []libraryModule{
		callerLibrary(),
		recordLibrary(),
	}
}

// callerLibrary provides identity helpers.
func callerLibrary() libraryModule {
	return libraryModule{
		name: "toolstore/lib/caller.rego",
		source: `package toolstore.lib

import rego.v1

# Caller has the given role.
has_role(role) if {
	input.caller.role == role
}

# Caller has any of the given roles.
has_any_role(roles) if {
	some role in roles
	input.caller.role == role
}

# Caller is authenticated.
authenticated if {
	input.caller.id != ""
}
`,
	}
}

// recordLibrary provides helpers over the targeted record and input.
func recordLibrary() libraryModule {
	return libraryModule{
		name: "toolstore/lib/record.rego",
		source: `package toolstore.lib

import rego.v1

# Target is the record being changed, or the input for creates.
target := input.record if {
	input.record != null
} else := input.input

# Caller owns the target through the named field.
owns(field) if {
	input.caller.id != ""
	target[field] == input.caller.id
}

# The operation mutates storage.
mutating if {
	input.operation in {"create", "update", "delete"}
}
`,
	}
}
