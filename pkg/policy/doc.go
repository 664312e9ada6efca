// Package policy gates convergence runs with Open Policy Agent (OPA) Rego
// policies.
//
// Before the resource graph is built, every enabled policy is evaluated once
// against the run's declarations:
//
//	{
//	  "resources": [{"id": "file[/etc/motd]", "type": "file", "name": "/etc/motd",
//	                 "actions": [...], "properties": {...}, "notifies": [...], ...}],
//	  "context":   {"run": "block-storage", "host": "localhost", "dry_run": false}
//	}
//
// A policy module defines a deny set, a warn set, or both. Elements are
// message strings or objects with message, resource and severity keys. Deny
// elements take the policy's severity (error unless set); warn elements are
// warnings. Any error or critical violation makes the result not allowed and
// the run stops before anything is applied.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, decls, policy.Context{Run: "block-storage"})
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err
//	}
//
// # Built-in Policies
//
//   - world-writable (error): files, templates and directories with a mode
//     that grants write access to others.
//   - template-owner (warning): templates that do not set an owner.
//   - execute-idempotence (warning): execute resources with no creates, no
//     guard and no notification driving them.
//   - package-actions (error): version pins combined with upgrade, and removal
//     of protected packages (critical).
//
// Built-ins can be turned off with DisablePolicy.
//
// # Policy Files
//
// LoadPolicies reads .rego files (one policy each, named after the file) and
// .json files holding a Policy. A "# severity: warning" comment in a .rego
// file sets the severity of its deny rules. Files ending in _test.rego are
// ignored.
package policy
