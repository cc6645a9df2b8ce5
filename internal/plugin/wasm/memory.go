package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// readBytes copies size bytes out of guest memory.
func readBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("memory read out of bounds at ptr=%d len=%d", ptr, size)
	}
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

// writeBytes places data in guest memory through the guest's malloc.
func writeBytes(ctx context.Context, mod api.Module, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	if size == 0 {
		return 0, 0, nil
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, 0, fmt.Errorf("guest does not export malloc")
	}
	res, err := malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, 0, fmt.Errorf("malloc(%d): %w", size, err)
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return 0, 0, fmt.Errorf("malloc(%d) returned null", size)
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("memory write out of bounds at ptr=%d len=%d", ptr, size)
	}
	return ptr, size, nil
}

func freeBytes(ctx context.Context, mod api.Module, ptr, size uint32) {
	if ptr == 0 || size == 0 || mod.IsClosed() {
		return
	}
	if free := mod.ExportedFunction("free"); free != nil {
		_, _ = free.Call(ctx, uint64(ptr), uint64(size))
	}
}
