package plugins

// Minimal WebAssembly binary assembler for sandbox tests. Every module
// imports the three host functions first, so defined functions start at
// index 3: host_log=0, host_set_result=1, host_get_param=2.

const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opEnd         = 0x0b
	opBr          = 0x0c
	opBrIf        = 0x0d
	opDrop        = 0x1a
	opCall        = 0x10
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opMemoryGrow  = 0x40
	opI32Const    = 0x41
	opI32Sub      = 0x6b
	blockVoid     = 0x40
	typeI32       = 0x7f
)

const (
	fnHostLog       = 0
	fnHostSetResult = 1
	fnHostGetParam  = 2
	firstDefinedFn  = 3
)

type wasmFunc struct {
	params  int
	results int
	locals  int
	body    []byte
	export  string
}

type wasmData struct {
	offset int32
	bytes  []byte
}

type wasmModule struct {
	funcs        []wasmFunc
	memPages     uint32
	exportMemory bool
	data         []wasmData
	skipImports  bool
}

type wasmImport struct {
	name            string
	params, results int
}

var hostImports = []wasmImport{
	{"host_log", 3, 0},
	{"host_set_result", 2, 0},
	{"host_get_param", 4, 1},
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func wasmVec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func funcType(params, results int) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(params))...)
	for i := 0; i < params; i++ {
		out = append(out, typeI32)
	}
	out = append(out, uleb(uint32(results))...)
	for i := 0; i < results; i++ {
		out = append(out, typeI32)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(content)))...)
	return append(out, content...)
}

func (m wasmModule) encode() []byte {
	imports := hostImports
	if m.skipImports {
		imports = nil
	}
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	for _, imp := range imports {
		types = append(types, funcType(imp.params, imp.results))
	}
	for _, fn := range m.funcs {
		types = append(types, funcType(fn.params, fn.results))
	}
	out = append(out, section(1, wasmVec(types))...)

	if len(imports) > 0 {
		var entries [][]byte
		for i, imp := range imports {
			e := append(wasmName(HostModule), wasmName(imp.name)...)
			e = append(e, 0x00)
			e = append(e, uleb(uint32(i))...)
			entries = append(entries, e)
		}
		out = append(out, section(2, wasmVec(entries))...)
	}

	var fnTypes [][]byte
	for i := range m.funcs {
		fnTypes = append(fnTypes, uleb(uint32(len(imports)+i)))
	}
	out = append(out, section(3, wasmVec(fnTypes))...)

	if m.memPages > 0 {
		mem := append([]byte{0x00}, uleb(m.memPages)...)
		out = append(out, section(5, wasmVec([][]byte{mem}))...)
	}

	var exports [][]byte
	for i, fn := range m.funcs {
		if fn.export == "" {
			continue
		}
		e := append(wasmName(fn.export), 0x00)
		exports = append(exports, append(e, uleb(uint32(len(imports)+i))...))
	}
	if m.exportMemory && m.memPages > 0 {
		exports = append(exports, append(wasmName("memory"), 0x02, 0x00))
	}
	out = append(out, section(7, wasmVec(exports))...)

	var bodies [][]byte
	for _, fn := range m.funcs {
		var body []byte
		if fn.locals > 0 {
			body = append(body, 0x01)
			body = append(body, uleb(uint32(fn.locals))...)
			body = append(body, typeI32)
		} else {
			body = append(body, 0x00)
		}
		body = append(body, fn.body...)
		body = append(body, opEnd)
		bodies = append(bodies, append(uleb(uint32(len(body))), body...))
	}
	out = append(out, section(10, wasmVec(bodies))...)

	if len(m.data) > 0 {
		var segs [][]byte
		for _, d := range m.data {
			seg := []byte{0x00, opI32Const}
			seg = append(seg, sleb(d.offset)...)
			seg = append(seg, opEnd)
			seg = append(seg, uleb(uint32(len(d.bytes)))...)
			segs = append(segs, append(seg, d.bytes...))
		}
		out = append(out, section(11, wasmVec(segs))...)
	}
	return out
}

func i32(v int32) []byte       { return append([]byte{opI32Const}, sleb(v)...) }
func localGet(i uint32) []byte { return append([]byte{opLocalGet}, uleb(i)...) }
func localSet(i uint32) []byte { return append([]byte{opLocalSet}, uleb(i)...) }
func call(fn uint32) []byte    { return append([]byte{opCall}, uleb(fn)...) }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// executeTool builds a guest with a single execute_tool export and one page
// of exported memory.
func executeTool(body []byte, extra ...wasmFunc) []byte {
	return executeToolWithLocals(0, body, nil, extra...)
}

func executeToolWithLocals(locals int, body []byte, data []wasmData, extra ...wasmFunc) []byte {
	funcs := append([]wasmFunc{{params: 4, results: 1, locals: locals, body: body, export: ExportExecuteTool}}, extra...)
	return wasmModule{funcs: funcs, memPages: 1, exportMemory: true, data: data}.encode()
}

// echoModule returns its parameters unchanged.
func echoModule() []byte {
	return executeTool(concat(localGet(2), localGet(3), call(fnHostSetResult), i32(0)))
}

// getParamModule looks up key, writes it at 2048 and sets it as the result.
func getParamModule(key string) []byte {
	body := concat(
		i32(1024), i32(int32(len(key))), i32(2048), i32(256), call(fnHostGetParam), localSet(4),
		i32(2048), localGet(4), call(fnHostSetResult),
		i32(0),
	)
	return executeToolWithLocals(1, body, []wasmData{{offset: 1024, bytes: []byte(key)}})
}

// paramLenModule returns host_get_param's result as the exit code, with a
// two byte destination.
func paramLenModule(key string) []byte {
	body := concat(i32(1024), i32(int32(len(key))), i32(2048), i32(2), call(fnHostGetParam))
	return executeToolWithLocals(0, body, []wasmData{{offset: 1024, bytes: []byte(key)}})
}

// logModule logs its parameters at info level and returns nothing.
func logModule() []byte {
	return executeTool(concat(i32(1), localGet(2), localGet(3), call(fnHostLog), i32(0)))
}

func returnModule(code int32) []byte {
	return executeTool(i32(code))
}

func trapModule() []byte {
	return executeTool([]byte{opUnreachable})
}

// spinModule loops forever without calling any function.
func spinModule() []byte {
	return executeTool(concat([]byte{opLoop, blockVoid, opBr, 0x00, opEnd}, i32(0)))
}

// callLoopModule calls an empty helper forever, burning fuel.
func callLoopModule() []byte {
	helper := wasmFunc{}
	body := concat([]byte{opLoop, blockVoid}, call(firstDefinedFn+1), []byte{opBr, 0x00, opEnd}, i32(0))
	return executeTool(body, helper)
}

// countdownModule decrements a local from n to zero inside one loop and
// makes no calls. The function body outside the loop is five instructions
// and each pass through the loop is six, so a run needs 5+6n fuel.
func countdownModule(n int32) []byte {
	body := concat(
		i32(n), localSet(4),
		[]byte{opLoop, blockVoid},
		localGet(4), i32(1), []byte{opI32Sub, opLocalTee, 0x04, opBrIf, 0x00},
		[]byte{opEnd},
		i32(0),
	)
	return executeToolWithLocals(1, body, nil)
}

// growModule grows memory by pages and drops the result.
func growModule(pages int32) []byte {
	return executeTool(concat(i32(pages), []byte{opMemoryGrow, 0x00, opDrop}, i32(0)))
}
