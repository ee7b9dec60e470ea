// Package engine implements the inference runner: tensor contract
// introspection, synchronous execution, and the asynchronous job protocol
// with polling, bounded waits and exactly-once completion callbacks.
//
// An Engine owns a backend and a table of jobs. Job ids start at 1 and
// increase in submission order. Terminal jobs stay queryable until Release
// or until the bounded table evicts them.
package engine
