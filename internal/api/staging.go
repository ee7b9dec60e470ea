package api

import (
	"sync"

	"github.com/seantiz/npurt/internal/device"
	"github.com/seantiz/npurt/internal/tensor"
)

// heldJob keeps the tensors of a poll job alive until it is released.
type heldJob struct {
	outputs [][]*tensor.Tensor
	staging *staging
}

// staging owns the device allocations made for one request.
type staging struct {
	arena *device.Arena

	mu   sync.Mutex
	bufs [][]byte
}

func newStaging(arena *device.Arena) *staging {
	return &staging{arena: arena}
}

// device returns n bytes of device memory. Without an arena the backend
// accepts any buffer as device memory.
func (st *staging) device(n uint64) ([]byte, error) {
	if st.arena == nil {
		return make([]byte, n), nil
	}
	buf, err := st.arena.Alloc(int(n))
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.bufs = append(st.bufs, buf)
	st.mu.Unlock()
	return buf, nil
}

// release returns every allocation to the arena. It is safe to call twice.
func (st *staging) release() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, buf := range st.bufs {
		st.arena.Free(buf)
	}
	st.bufs = nil
}
