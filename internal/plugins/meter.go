package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Guest modules are rewritten at load time so that bounds hold per
// instruction rather than per call:
//
//   - Every function entry and every pass through a loop body subtracts,
//     from a fuel global, the number of instructions that pass can run
//     (nested loop bodies excluded, they charge on their own passes). The
//     guest traps as soon as the global drops below zero.
//   - Every memory.grow records its request and result in two globals and
//     traps when the grow fails, so a runtime overrun surfaces as a memory
//     limit error instead of a -1 the guest may ignore.
//
// The three globals are appended after the module's own globals and
// exported, so no existing index moves.
const (
	fuelExport        = "openintent.fuel"
	growRequestExport = "openintent.grow_request"
	growResultExport  = "openintent.grow_result"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const (
	secCustom   = 0
	secImport   = 2
	secGlobal   = 6
	secExport   = 7
	secCode     = 10
	secDataCnt  = 12
	secTag      = 13
	globalKind  = 0x03
	valI32      = 0x7f
	valI64      = 0x7e
	mutableFlag = 0x01
)

// sectionRank is the order sections must appear in; custom sections may
// appear anywhere.
var sectionRank = map[byte]int{
	1: 1, secImport: 2, 3: 3, 4: 4, 5: 5, secTag: 6, secGlobal: 7,
	secExport: 8, 8: 9, 9: 10, secDataCnt: 11, secCode: 12, 11: 13,
}

type meterGlobals struct {
	fuel, growRequest, growResult uint32
}

type wasmSection struct {
	id      byte
	payload []byte
}

// instrumentModule returns wasm with fuel and memory.grow metering added.
// Fuel above math.MaxInt64 is clamped.
func instrumentModule(wasm []byte, fuel uint64) ([]byte, error) {
	if len(wasm) < len(wasmMagic) || !bytes.Equal(wasm[:len(wasmMagic)], wasmMagic) {
		return nil, errors.New("not a WebAssembly 1.0 binary")
	}
	var sections []wasmSection
	r := &wasmReader{b: wasm, off: len(wasmMagic)}
	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		payload, err := r.take(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		sections = append(sections, wasmSection{id: id, payload: payload})
	}

	var imported, defined uint32
	for _, s := range sections {
		var err error
		switch s.id {
		case secImport:
			imported, err = countImportedGlobals(s.payload)
		case secGlobal:
			defined, err = (&wasmReader{b: s.payload}).u32()
		}
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", s.id, err)
		}
	}
	base := imported + defined
	g := meterGlobals{fuel: base, growRequest: base + 1, growResult: base + 2}
	if fuel > math.MaxInt64 {
		fuel = math.MaxInt64
	}

	out := bytes.Clone(wasmMagic)
	globalsDone, exportsDone := false, false
	flush := func(rank int) error {
		if !globalsDone && rank > sectionRank[secGlobal] {
			payload, err := appendMeterGlobals(nil, int64(fuel))
			if err != nil {
				return err
			}
			out = appendSection(out, secGlobal, payload)
			globalsDone = true
		}
		if !exportsDone && rank > sectionRank[secExport] {
			payload, err := appendMeterExports(nil, g)
			if err != nil {
				return err
			}
			out = appendSection(out, secExport, payload)
			exportsDone = true
		}
		return nil
	}

	for _, s := range sections {
		if s.id == secCustom {
			// DWARF offsets no longer match the rewritten code.
			if name, err := (&wasmReader{b: s.payload}).name(); err == nil && strings.HasPrefix(name, ".debug_") {
				continue
			}
			out = appendSection(out, s.id, s.payload)
			continue
		}
		rank, ok := sectionRank[s.id]
		if !ok {
			return nil, fmt.Errorf("unknown section id %d", s.id)
		}
		if err := flush(rank); err != nil {
			return nil, err
		}
		payload := s.payload
		var err error
		switch s.id {
		case secGlobal:
			payload, err = appendMeterGlobals(payload, int64(fuel))
			globalsDone = true
		case secExport:
			payload, err = appendMeterExports(payload, g)
			exportsDone = true
		case secCode:
			payload, err = instrumentCode(payload, g)
		}
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", s.id, err)
		}
		out = appendSection(out, s.id, payload)
	}
	if err := flush(math.MaxInt); err != nil {
		return nil, err
	}
	return out, nil
}

func countImportedGlobals(payload []byte) (uint32, error) {
	r := &wasmReader{b: payload}
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	var globals uint32
	for i := uint32(0); i < n; i++ {
		if _, err := r.name(); err != nil {
			return 0, err
		}
		if _, err := r.name(); err != nil {
			return 0, err
		}
		kind, err := r.byte()
		if err != nil {
			return 0, err
		}
		switch kind {
		case 0x00: // func
			err = r.skipLEB()
		case 0x01: // table
			if _, err = r.byte(); err == nil {
				err = r.skipLimits()
			}
		case 0x02: // memory
			err = r.skipLimits()
		case globalKind:
			_, err = r.take(2)
			globals++
		case 0x04: // tag
			if _, err = r.byte(); err == nil {
				err = r.skipLEB()
			}
		default:
			err = fmt.Errorf("unknown import kind %#x", kind)
		}
		if err != nil {
			return 0, err
		}
	}
	return globals, nil
}

// appendMeterGlobals adds the fuel, grow request and grow result globals to
// a global section payload, which may be nil.
func appendMeterGlobals(payload []byte, fuel int64) ([]byte, error) {
	count, rest, err := splitVec(payload)
	if err != nil {
		return nil, err
	}
	out := appendU32(nil, count+3)
	out = append(out, rest...)
	out = append(out, valI64, mutableFlag, opConstI64)
	out = appendS64(out, fuel)
	out = append(out, opBlockEnd)
	for range 2 {
		out = append(out, valI32, mutableFlag, opConstI32, 0x00, opBlockEnd)
	}
	return out, nil
}

func appendMeterExports(payload []byte, g meterGlobals) ([]byte, error) {
	count, rest, err := splitVec(payload)
	if err != nil {
		return nil, err
	}
	out := appendU32(nil, count+3)
	out = append(out, rest...)
	for _, e := range []struct {
		name  string
		index uint32
	}{
		{fuelExport, g.fuel},
		{growRequestExport, g.growRequest},
		{growResultExport, g.growResult},
	} {
		out = appendU32(out, uint32(len(e.name)))
		out = append(out, e.name...)
		out = append(out, globalKind)
		out = appendU32(out, e.index)
	}
	return out, nil
}

func splitVec(payload []byte) (uint32, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, nil
	}
	r := &wasmReader{b: payload}
	n, err := r.u32()
	if err != nil {
		return 0, nil, err
	}
	return n, payload[r.off:], nil
}

func instrumentCode(payload []byte, g meterGlobals) ([]byte, error) {
	r := &wasmReader{b: payload}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := appendU32(nil, n)
	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.take(int(size))
		if err != nil {
			return nil, err
		}
		rewritten, err := instrumentBody(body, g)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		out = appendU32(out, uint32(len(rewritten)))
		out = append(out, rewritten...)
	}
	if !r.done() {
		return nil, errors.New("trailing bytes after function bodies")
	}
	return out, nil
}

// bodyEdit inserts code at pos of the original body. For loop heads seg
// names the segment whose charge is inserted.
type bodyEdit struct {
	pos  int
	seg  int
	code []byte
}

func instrumentBody(body []byte, g meterGlobals) ([]byte, error) {
	r := &wasmReader{b: body}
	groups, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < groups; i++ {
		if err := r.skipLEB(); err != nil {
			return nil, err
		}
		if _, err := r.byte(); err != nil {
			return nil, err
		}
	}
	codeStart := r.off

	// costs[0] is the function's straight-line part; each loop adds one.
	costs := []int64{0}
	open := []int{0}
	var (
		frames []bool // true for loop frames
		edits  []bodyEdit
		ended  bool
	)
	for !r.done() {
		if ended {
			return nil, errors.New("instructions after function end")
		}
		start := r.off
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		costs[open[len(open)-1]]++
		switch op {
		case 0x02, 0x04: // block, if
			err = r.skipLEB()
			frames = append(frames, false)
		case 0x03: // loop
			if err = r.skipLEB(); err == nil {
				costs = append(costs, 0)
				open = append(open, len(costs)-1)
				frames = append(frames, true)
				edits = append(edits, bodyEdit{pos: r.off, seg: len(costs) - 1})
			}
		case 0x0b: // end
			if len(frames) == 0 {
				ended = true
				break
			}
			if frames[len(frames)-1] {
				open = open[:len(open)-1]
			}
			frames = frames[:len(frames)-1]
		case 0x40: // memory.grow
			if err = r.skipLEB(); err == nil {
				edits = append(edits,
					bodyEdit{pos: start, seg: -1, code: growRequestCode(g)},
					bodyEdit{pos: r.off, seg: -1, code: growResultCode(g)})
			}
		default:
			err = r.skipImmediates(op)
		}
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", start, err)
		}
	}
	if !ended {
		return nil, errors.New("missing function end")
	}

	out := make([]byte, 0, len(body)+len(edits)*24+24)
	out = append(out, body[:codeStart]...)
	out = append(out, chargeCode(costs[0], g)...)
	last := codeStart
	for _, e := range edits {
		out = append(out, body[last:e.pos]...)
		if e.seg >= 0 {
			out = append(out, chargeCode(costs[e.seg], g)...)
		} else {
			out = append(out, e.code...)
		}
		last = e.pos
	}
	return append(out, body[last:]...), nil
}

const (
	opGlobalGet = 0x23
	opGlobalSet = 0x24
	opConstI32  = 0x41
	opConstI64  = 0x42
	opSubI64    = 0x7d
	opLtSI64    = 0x53
	opEqI32     = 0x46
	opIf        = 0x04
	opTrap      = 0x00
	opBlockEnd  = 0x0b
	emptyBlock  = 0x40
)

// chargeCode subtracts cost from the fuel global and traps when it goes
// negative:
//
//	global.set $fuel (global.get $fuel - cost)
//	if (global.get $fuel < 0) unreachable
func chargeCode(cost int64, g meterGlobals) []byte {
	c := appendU32([]byte{opGlobalGet}, g.fuel)
	c = appendS64(append(c, opConstI64), cost)
	c = append(c, opSubI64, opGlobalSet)
	c = appendU32(c, g.fuel)
	c = appendU32(append(c, opGlobalGet), g.fuel)
	return append(c, opConstI64, 0x00, opLtSI64, opIf, emptyBlock, opTrap, opBlockEnd)
}

// growRequestCode records the page delta on the stack without consuming it.
func growRequestCode(g meterGlobals) []byte {
	c := appendU32([]byte{opGlobalSet}, g.growRequest)
	return appendU32(append(c, opGlobalGet), g.growRequest)
}

// growResultCode records memory.grow's result, leaves it on the stack and
// traps when it is -1.
func growResultCode(g meterGlobals) []byte {
	c := appendU32([]byte{opGlobalSet}, g.growResult)
	c = appendU32(append(c, opGlobalGet), g.growResult)
	c = appendU32(append(c, opGlobalGet), g.growResult)
	return append(c, opConstI32, 0x7f, opEqI32, opIf, emptyBlock, opTrap, opBlockEnd)
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendU32(out []byte, v uint32) []byte {
	for v >= 0x80 {
		out = append(out, byte(v)|0x80)
		v >>= 7
	}
	return append(out, byte(v))
}

func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// wasmReader decodes the parts of the binary format the rewriter needs.
type wasmReader struct {
	b   []byte
	off int
}

var errTruncated = errors.New("unexpected end of module")

func (r *wasmReader) done() bool { return r.off >= len(r.b) }

func (r *wasmReader) byte() (byte, error) {
	if r.done() {
		return 0, errTruncated
	}
	b := r.b[r.off]
	r.off++
	return b, nil
}

func (r *wasmReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.b) {
		return nil, errTruncated
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *wasmReader) u32() (uint32, error) {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New("malformed LEB128")
}

func (r *wasmReader) skipLEB() error {
	for i := 0; i < 10; i++ {
		b, err := r.byte()
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			return nil
		}
	}
	return errors.New("malformed LEB128")
}

func (r *wasmReader) skipN(n int) error {
	for i := 0; i < n; i++ {
		if err := r.skipLEB(); err != nil {
			return err
		}
	}
	return nil
}

func (r *wasmReader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	return string(b), err
}

func (r *wasmReader) skipLimits() error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if flags&0x01 != 0 {
		return r.skipN(2)
	}
	return r.skipLEB()
}

// skipImmediates consumes the immediates of op. Block structure and
// memory.grow are handled by the caller.
func (r *wasmReader) skipImmediates(op byte) error {
	switch {
	case op == 0x00, op == 0x01, op == 0x05, op == 0x0f, op == 0x1a, op == 0x1b, op == 0xd1:
		return nil
	case op >= 0x45 && op <= 0xc4:
		return nil
	case op == 0x0c, op == 0x0d, op == 0x10, op == 0xd2, op == 0x3f:
		return r.skipLEB()
	case op == 0x0e: // br_table
		n, err := r.u32()
		if err != nil {
			return err
		}
		return r.skipN(int(n) + 1)
	case op == 0x11: // call_indirect
		return r.skipN(2)
	case op == 0x1c: // select t*
		n, err := r.u32()
		if err != nil {
			return err
		}
		_, err = r.take(int(n))
		return err
	case op >= 0x20 && op <= 0x26, op == 0x41, op == 0x42:
		return r.skipLEB()
	case op >= 0x28 && op <= 0x3e: // loads and stores
		return r.skipN(2)
	case op == 0x43:
		_, err := r.take(4)
		return err
	case op == 0x44:
		_, err := r.take(8)
		return err
	case op == 0xd0:
		_, err := r.byte()
		return err
	case op == 0xfc:
		return r.skipMisc()
	case op == 0xfd:
		return r.skipSIMD()
	}
	return fmt.Errorf("unsupported opcode %#x", op)
}

func (r *wasmReader) skipMisc() error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 7: // saturating truncation
		return nil
	case sub == 9, sub == 11, sub == 13, sub >= 15 && sub <= 17:
		return r.skipLEB()
	case sub == 8, sub == 10, sub == 12, sub == 14:
		return r.skipN(2)
	}
	return fmt.Errorf("unsupported opcode 0xfc %d", sub)
}

func (r *wasmReader) skipSIMD() error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 11, sub == 92, sub == 93: // loads and stores
		return r.skipN(2)
	case sub == 12, sub == 13: // v128.const, i8x16.shuffle
		_, err := r.take(16)
		return err
	case sub >= 21 && sub <= 34: // extract and replace lane
		_, err := r.byte()
		return err
	case sub >= 84 && sub <= 91: // lane loads and stores
		if err := r.skipN(2); err != nil {
			return err
		}
		_, err := r.byte()
		return err
	case sub <= 255:
		return nil
	}
	return fmt.Errorf("unsupported opcode 0xfd %d", sub)
}
