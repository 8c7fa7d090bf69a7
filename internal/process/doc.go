// Package process implements provenance-tracked processes.
//
// A process class is a Definition plus the Spec its Define method declares.
// A Process is the transient executor of one class instance, bound to one
// calculation record in the store:
//
//	created -> running -> waiting <-> running -> finished
//	                 \-> failed | stopped
//
// Inputs are linked into the record when it is created, outputs are
// linked as they are emitted, and the record is sealed on every terminal
// transition. While running, a process sits on the Stack carried by its
// context, so processes created by its body record it as their parent.
package process
