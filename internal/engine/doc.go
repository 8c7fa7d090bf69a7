// Package engine drives processes to a terminal state.
//
// The engine is the process manager of a runner. Run executes a process
// synchronously and returns its outputs or its failure. Submit and
// Continue hand a process to a bounded pool of goroutines and return at
// once; Wait blocks until such a process is released.
//
// Every process that stores provenance is checkpointed when it is created
// and whenever it suspends, and its checkpoint is deleted on the terminal
// transition, before the record is sealed. A process whose context is
// cancelled is evicted: the heartbeat is released and the last checkpoint
// stays valid, so a daemon (in this runner or another) can resume it.
//
// Thread-safety model:
//   - Run, Submit, Continue, Wait, Stop: safe from any goroutine
//   - Close: call once, after which Submit and Continue fail
package engine
