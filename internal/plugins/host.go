package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModule is the import module name guests link against.
const HostModule = "env"

type callStateKey struct{}

// callState is the host-side state of one execute_tool call.
type callState struct {
	plugin string
	tool   string
	params map[string]json.RawMessage
	logger *slog.Logger

	mu     sync.Mutex
	result []byte
	set    bool
}

func withCallState(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, st)
}

func callStateFrom(ctx context.Context) *callState {
	st, _ := ctx.Value(callStateKey{}).(*callState)
	return st
}

func (st *callState) output() ([]byte, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.result, st.set
}

// instantiateHostModule exports host_log, host_set_result and
// host_get_param into the runtime.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, logger *slog.Logger) error {
	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, level, ptr, length uint32) {
			data := readGuest(m, ptr, length, "host_log")
			l := logger
			if st := callStateFrom(ctx); st != nil {
				l = st.logger
			}
			l.Log(ctx, guestLogLevel(level), string(data), "source", "plugin")
		}).
		WithParameterNames("level", "ptr", "len").
		Export("host_log").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			data := readGuest(m, ptr, length, "host_set_result")
			st := callStateFrom(ctx)
			if st == nil {
				return
			}
			st.mu.Lock()
			st.result = data
			st.set = true
			st.mu.Unlock()
		}).
		WithParameterNames("ptr", "len").
		Export("host_set_result").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, destPtr, destLen uint32) int32 {
			key := readGuest(m, keyPtr, keyLen, "host_get_param")
			st := callStateFrom(ctx)
			if st == nil {
				return -1
			}
			value, ok := paramValue(st.params, string(key))
			if !ok {
				return -1
			}
			n := uint32(len(value))
			if n > destLen {
				n = destLen
			}
			if n > 0 && !m.Memory().Write(destPtr, value[:n]) {
				panic(fmt.Errorf("host_get_param: write [%d, %d) out of bounds", destPtr, destPtr+n))
			}
			return int32(len(value))
		}).
		WithParameterNames("key_ptr", "key_len", "dest_ptr", "dest_len").
		Export("host_get_param").
		Instantiate(ctx)
	return err
}

// readGuest copies guest memory. Out of range reads trap the guest.
func readGuest(m api.Module, ptr, length uint32, fn string) []byte {
	if length == 0 {
		return nil
	}
	view, ok := m.Memory().Read(ptr, length)
	if !ok {
		panic(fmt.Errorf("%s: read [%d, %d) out of bounds", fn, ptr, ptr+length))
	}
	return bytes.Clone(view)
}

// paramValue returns the raw JSON of a top-level parameter, with strings
// unquoted.
func paramValue(params map[string]json.RawMessage, key string) ([]byte, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), true
	}
	return raw, true
}

func guestLogLevel(level uint32) slog.Level {
	switch level {
	case 0:
		return slog.LevelDebug
	case 1:
		return slog.LevelInfo
	case 2:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
