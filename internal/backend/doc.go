// Package backend defines the contract between the execution engine and the
// devices that perform inference (the simulated reference NPU, a remote
// device agent), the typed option map used to configure them, and the
// registry that constructs them by type.
package backend
