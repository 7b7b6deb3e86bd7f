// Package action resolves action names to handler operations and invokes them.
//
// Handler groups contribute explicit tables of Descriptor values at startup.
// The Registry indexes every canonical name and alias; the Dispatcher resolves
// a name, coerces loosely-typed positional arguments against the descriptor's
// parameter shape and invokes exactly one handler per call.
package action
