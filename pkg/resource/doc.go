/*
Package resource holds the callables a dispatch server can run.

A resource is one of three variants behind the Resource interface:

  - Function: stateless, with a default entry point "run" ("call",
    "__call__" and the empty method are aliases)
  - Module: a stateless namespace of named methods
  - Actor: owns state, and runs one method at a time

Resources are built by name from a Catalog of blueprints, and live in a
Table: an arena of slots plus a name index, so a lookup never walks the
resident set and deleted slots are reused. Names that collide with server
routes (check, keys, resources, secrets, runs, logs, metrics) are rejected.

Built-in blueprints:

	echo   function  run returns its arguments; sleep, fail, panic, lines
	shell  function  run a command with sh -c, streaming stdout/stderr
	kv     actor     put, get, delete, keys, len, clear
	env    module    getenv, setenv, environ over a private overlay

Resource code reports failures by returning an error. Errors built with
Raise carry a type name back to the caller; anything else is reported as a
generic execution error.
*/
package resource
