// Package device provides the simulated device memory used for zero-copy
// tensors and the borrow tracker that keeps in-flight jobs from sharing
// writable buffers.
package device
