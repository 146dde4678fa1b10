package plugins

import (
	"bytes"
	"strings"
	"testing"
)

func TestInstrumentModuleRejects(t *testing.T) {
	tests := []struct {
		name string
		wasm []byte
		want string
	}{
		{"not wasm", []byte("not wasm"), "not a WebAssembly"},
		{"exception handling", executeTool(concat([]byte{0x06, blockVoid, opEnd}, i32(0))), "unsupported opcode"},
		{"truncated body", executeTool([]byte{opI32Const}), "section 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := instrumentModule(tt.wasm, 100)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestInstrumentModuleExportsMeterGlobals(t *testing.T) {
	out, err := instrumentModule(countdownModule(3), 100)
	if err != nil {
		t.Fatalf("instrumentModule: %v", err)
	}
	for _, name := range []string{fuelExport, growRequestExport, growResultExport} {
		if !bytes.Contains(out, []byte(name)) {
			t.Errorf("missing export %q", name)
		}
	}
}

func TestInstrumentModuleDropsDebugSections(t *testing.T) {
	debug := section(secCustom, concat(uleb(uint32(len(".debug_info"))), []byte(".debug_info"), []byte{1, 2, 3}))
	out, err := instrumentModule(append(echoModule(), debug...), 100)
	if err != nil {
		t.Fatalf("instrumentModule: %v", err)
	}
	if bytes.Contains(out, []byte(".debug_info")) {
		t.Fatal("debug section kept")
	}
}
