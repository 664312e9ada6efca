// Package providers implements the built-in resource types.
//
// Every provider works through a transports.Transport, so the same
// declarations converge the local machine or a remote host:
//
//	package    install, upgrade, remove
//	service    enable, disable, start, stop, restart, reload
//	file       create, delete (content, owner, group, mode)
//	directory  create, delete
//	template   create, delete (rendered content)
//	execute    run (command, creates, cwd, environment)
//
// Each type also accepts the action "nothing", which leaves the resource
// alone unless a notification asks for something.
package providers
