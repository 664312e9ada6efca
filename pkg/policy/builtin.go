package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		worldWritablePolicy(),
		templateOwnerPolicy(),
		executeIdempotencePolicy(),
		packageActionsPolicy(),
	}
}

// worldWritablePolicy rejects files, templates and directories anyone can
// write to.
func worldWritablePolicy() Policy {
	return Policy{
		Name:        "world-writable",
		Description: "Files, templates and directories must not be world-writable",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "permissions"},
		Rego: `package convergo.policies.permissions

deny contains violation if {
	some r in input.resources
	r.type in {"file", "template", "directory"}
	mode := r.properties.mode
	world_writable(mode)
	violation := {
		"message": sprintf("mode %v is world-writable", [mode]),
		"resource": r.id,
	}
}

world_writable(mode) if {
	is_string(mode)
	substring(mode, count(mode) - 1, 1) in {"2", "3", "6", "7"}
}

world_writable(mode) if {
	is_number(mode)
	bits.and(mode, 2) != 0
}
`,
	}
}

// templateOwnerPolicy warns about rendered files that inherit ownership.
func templateOwnerPolicy() Policy {
	return Policy{
		Name:        "template-owner",
		Description: "Templates should set an owner",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"conventions"},
		Rego: `package convergo.policies.ownership

warn contains violation if {
	some r in input.resources
	r.type == "template"
	not r.properties.owner
	violation := {
		"message": "template does not set an owner",
		"resource": r.id,
	}
}
`,
	}
}

// executeIdempotencePolicy warns about commands that run on every converge.
func executeIdempotencePolicy() Policy {
	return Policy{
		Name:        "execute-idempotence",
		Description: "Execute resources should be guarded or notification driven",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"idempotence"},
		Rego: `package convergo.policies.idempotence

warn contains violation if {
	some r in input.resources
	r.type == "execute"
	not r.properties.creates
	not r.only_if
	not r.not_if
	count(object.get(r, "subscribes", [])) == 0
	not notified(r)
	violation := {
		"message": "command runs on every converge; add creates, a guard or a notification",
		"resource": r.id,
	}
}

notified(r) if {
	some other in input.resources
	some n in other.notifies
	n.target.type == r.type
	n.target.name == r.name
}
`,
	}
}

// packageActionsPolicy rejects contradictory or dangerous package actions.
func packageActionsPolicy() Policy {
	return Policy{
		Name:        "package-actions",
		Description: "Package actions must be consistent and must not remove protected packages",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"packages", "safety"},
		Rego: `package convergo.policies.packages

protected := {"openssh-server", "systemd", "sudo", "bash", "coreutils"}

deny contains violation if {
	some r in input.resources
	r.type == "package"
	"upgrade" in object.get(r, "actions", [])
	version := r.properties.version
	violation := {
		"message": sprintf("pins version %s but asks for upgrade", [version]),
		"resource": r.id,
	}
}

deny contains violation if {
	some r in input.resources
	r.type == "package"
	"remove" in object.get(r, "actions", [])
	name := object.get(object.get(r, "properties", {}), "package_name", r.name)
	name in protected
	violation := {
		"message": sprintf("removes protected package %s", [name]),
		"resource": r.id,
		"severity": "critical",
	}
}
`,
	}
}
