package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction words
// ---------------------------------------------------------------------------

// Instr is one 32-bit instruction word. The low 8 bits hold the opcode;
// the remaining 24 bits hold either a single value (unsigned, or signed
// with a 2^23 bias) or the two-field form v1:8 / v2:16.
type Instr uint32

// signBias is added when encoding a signed 24-bit value.
const signBias = 1 << 23

// maxUval is the largest encodable unsigned operand.
const maxUval = 1<<24 - 1

// Op extracts the opcode.
func (w Instr) Op() Opcode { return Opcode(w & 0xFF) }

// Uval extracts the 24-bit value as unsigned.
func (w Instr) Uval() int { return int(w >> 8) }

// Sval extracts the 24-bit value as signed (two's-complement biased by 2^23).
func (w Instr) Sval() int { return int(w>>8) - signBias }

// V1 extracts the 8-bit field of the two-field form.
func (w Instr) V1() int { return int(w>>8) & 0xFF }

// V2 extracts the 16-bit field of the two-field form.
func (w Instr) V2() int { return int(w >> 16) }

// MakeInstr packs an opcode with an unsigned 24-bit value.
func MakeInstr(op Opcode, uval int) Instr {
	if uval < 0 || uval > maxUval {
		panic(fmt.Sprintf("MakeInstr: value %d out of range for %s", uval, op))
	}
	return Instr(op) | Instr(uval)<<8
}

// MakeInstrS packs an opcode with a signed 24-bit value.
func MakeInstrS(op Opcode, sval int) Instr {
	if sval < -signBias || sval >= signBias {
		panic(fmt.Sprintf("MakeInstrS: value %d out of range for %s", sval, op))
	}
	return Instr(op) | Instr(sval+signBias)<<8
}

// MakeInstr2 packs an opcode with the two-field form.
func MakeInstr2(op Opcode, v1, v2 int) Instr {
	if v1 < 0 || v1 > 0xFF || v2 < 0 || v2 > 0xFFFF {
		panic(fmt.Sprintf("MakeInstr2: fields %d,%d out of range for %s", v1, v2, op))
	}
	return Instr(op) | Instr(v1)<<8 | Instr(v2)<<16
}

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single instruction.
type Opcode uint8

const (
	OpNop Opcode = iota

	// Control
	OpYield
	OpReturn
	OpCall          // unsigned: target pc
	OpAnonymousCall // target pc popped from the integer stack
	OpPrimitiveCall // unsigned: primitive index
	OpJump          // signed: pc offset
	OpJumpEqual     // signed: pop int, jump when non-zero
	OpJumpNotEqual  // signed: pop int, jump when zero

	// Tasks
	OpTask          // unsigned: entry pc, spawn a coroutine
	OpAnonymousTask // entry pc popped from the integer stack
	OpKill
	OpKillAll

	// Unwinding
	OpRaise
	OpUnwind
	OpTry   // signed: handler pc offset
	OpCatch // signed: offset past the handler body
	OpDefer // signed: deferred block pc offset

	// Constant pools
	OpPushConstInt
	OpPushConstFloat
	OpPushConstString

	// Local arenas
	OpLocalStackInt // unsigned: widen the frame reservation by N slots
	OpLocalStackFloat
	OpLocalStackString
	OpLocalStackObject
	OpLoadLocalInt // unsigned: offset from the frame base
	OpLoadLocalFloat
	OpLoadLocalString
	OpLoadLocalObject
	OpStoreLocalInt
	OpStoreLocalFloat
	OpStoreLocalString
	OpStoreLocalObject

	// Globals
	OpLoadGlobalInt // unsigned: global index
	OpLoadGlobalFloat
	OpLoadGlobalString
	OpLoadGlobalObject
	OpStoreGlobalInt
	OpStoreGlobalFloat
	OpStoreGlobalString
	OpStoreGlobalObject

	// Mailboxes
	OpGlobalPushInt // unsigned: drain N stack values to the outgoing mailbox
	OpGlobalPushFloat
	OpGlobalPushString
	OpGlobalPushObject
	OpGlobalPopInt // take one value from the incoming mailbox
	OpGlobalPopFloat
	OpGlobalPopString
	OpGlobalPopObject

	// Stack manipulation
	OpCopyInt
	OpCopyFloat
	OpCopyString
	OpCopyObject
	OpSwapInt
	OpSwapFloat
	OpSwapString
	OpSwapObject
	OpShiftInt // signed: drop (N<0) or reserve (N>0) stack slots
	OpShiftFloat
	OpShiftString
	OpShiftObject

	// Integer arithmetic and logic
	OpEqualInt
	OpNotEqualInt
	OpLessInt
	OpLessEqualInt
	OpGreaterInt
	OpGreaterEqualInt
	OpAddInt
	OpSubInt
	OpMulInt
	OpDivInt
	OpModInt
	OpNegInt
	OpIncInt
	OpDecInt
	OpAndInt
	OpOrInt
	OpNotInt

	// Float arithmetic
	OpEqualFloat
	OpNotEqualFloat
	OpLessFloat
	OpLessEqualFloat
	OpGreaterFloat
	OpGreaterEqualFloat
	OpAddFloat
	OpSubFloat
	OpMulFloat
	OpDivFloat
	OpModFloat
	OpNegFloat
	OpIncFloat
	OpDecFloat

	// Strings
	OpEqualString
	OpNotEqualString
	OpConcatString

	// Typecasts
	OpIntToFloat
	OpFloatToInt
	OpIntToString
	OpFloatToString

	// Array construction
	OpArrayInt // unsigned: element count
	OpArrayFloat
	OpArrayString
	OpArrayObject

	// Array indexing: reference, value, and dual forms
	OpIndexInt
	OpIndexFloat
	OpIndexString
	OpIndexObject
	OpIndex2Int
	OpIndex2Float
	OpIndex2String
	OpIndex2Object
	OpIndex3Int
	OpIndex3Float
	OpIndex3String
	OpIndex3Object

	OpLengthInt
	OpLengthFloat
	OpLengthString
	OpLengthObject
	OpConcatIntArray
	OpConcatFloatArray
	OpConcatStringArray
	OpConcatObjectArray
	OpAppendInt
	OpAppendFloat
	OpAppendString
	OpAppendObject
	OpPrependInt
	OpPrependFloat
	OpPrependString
	OpPrependObject
	OpArrayEqualInt
	OpArrayEqualFloat
	OpArrayEqualString
	OpArrayEqualObject

	// References
	OpRefStoreInt
	OpRefStoreFloat
	OpRefStoreString
	OpRefStoreObject

	// Objects
	OpNew // unsigned: class index
	OpFieldLoadInt
	OpFieldLoadFloat
	OpFieldLoadString
	OpFieldLoadObject
	OpFieldStoreInt
	OpFieldStoreFloat
	OpFieldStoreString
	OpFieldStoreObject

	// Channels
	OpNewChannel // two-field: v1 kind, v2 capacity
	OpCloseChannel
	OpSendInt
	OpSendFloat
	OpSendString
	OpSendObject
	OpReceiveInt
	OpReceiveFloat
	OpReceiveString
	OpReceiveObject
	OpStartSelectChannel
	OpTryChannel // signed: pc offset of the next select case
	OpCheckChannel
	OpEndSelectChannel

	opcodeCount
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandForm describes how the 24-bit field of an instruction is read.
type OperandForm uint8

const (
	FormNone OperandForm = iota
	FormUnsigned
	FormSigned
	FormPair
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name string
	Form OperandForm
}

var opcodeTable = [opcodeCount]OpcodeInfo{
	OpNop: {"nop", FormNone},

	OpYield:         {"yield", FormNone},
	OpReturn:        {"return", FormNone},
	OpCall:          {"call", FormUnsigned},
	OpAnonymousCall: {"anonymous_call", FormNone},
	OpPrimitiveCall: {"primitive_call", FormUnsigned},
	OpJump:          {"jump", FormSigned},
	OpJumpEqual:     {"jump_equal", FormSigned},
	OpJumpNotEqual:  {"jump_not_equal", FormSigned},

	OpTask:          {"task", FormUnsigned},
	OpAnonymousTask: {"anonymous_task", FormNone},
	OpKill:          {"kill", FormNone},
	OpKillAll:       {"kill_all", FormNone},

	OpRaise:  {"raise", FormNone},
	OpUnwind: {"unwind", FormNone},
	OpTry:    {"try", FormSigned},
	OpCatch:  {"catch", FormSigned},
	OpDefer:  {"defer", FormSigned},

	OpPushConstInt:    {"pushConst_int", FormUnsigned},
	OpPushConstFloat:  {"pushConst_float", FormUnsigned},
	OpPushConstString: {"pushConst_string", FormUnsigned},

	OpLocalStackInt:     {"localStack_int", FormUnsigned},
	OpLocalStackFloat:   {"localStack_float", FormUnsigned},
	OpLocalStackString:  {"localStack_string", FormUnsigned},
	OpLocalStackObject:  {"localStack_object", FormUnsigned},
	OpLoadLocalInt:      {"loadLocal_int", FormUnsigned},
	OpLoadLocalFloat:    {"loadLocal_float", FormUnsigned},
	OpLoadLocalString:   {"loadLocal_string", FormUnsigned},
	OpLoadLocalObject:   {"loadLocal_object", FormUnsigned},
	OpStoreLocalInt:     {"storeLocal_int", FormUnsigned},
	OpStoreLocalFloat:   {"storeLocal_float", FormUnsigned},
	OpStoreLocalString:  {"storeLocal_string", FormUnsigned},
	OpStoreLocalObject:  {"storeLocal_object", FormUnsigned},

	OpLoadGlobalInt:     {"loadGlobal_int", FormUnsigned},
	OpLoadGlobalFloat:   {"loadGlobal_float", FormUnsigned},
	OpLoadGlobalString:  {"loadGlobal_string", FormUnsigned},
	OpLoadGlobalObject:  {"loadGlobal_object", FormUnsigned},
	OpStoreGlobalInt:    {"storeGlobal_int", FormUnsigned},
	OpStoreGlobalFloat:  {"storeGlobal_float", FormUnsigned},
	OpStoreGlobalString: {"storeGlobal_string", FormUnsigned},
	OpStoreGlobalObject: {"storeGlobal_object", FormUnsigned},

	OpGlobalPushInt:    {"globalPush_int", FormUnsigned},
	OpGlobalPushFloat:  {"globalPush_float", FormUnsigned},
	OpGlobalPushString: {"globalPush_string", FormUnsigned},
	OpGlobalPushObject: {"globalPush_object", FormUnsigned},
	OpGlobalPopInt:     {"globalPop_int", FormNone},
	OpGlobalPopFloat:   {"globalPop_float", FormNone},
	OpGlobalPopString:  {"globalPop_string", FormNone},
	OpGlobalPopObject:  {"globalPop_object", FormNone},

	OpCopyInt:     {"copy_int", FormNone},
	OpCopyFloat:   {"copy_float", FormNone},
	OpCopyString:  {"copy_string", FormNone},
	OpCopyObject:  {"copy_object", FormNone},
	OpSwapInt:     {"swap_int", FormNone},
	OpSwapFloat:   {"swap_float", FormNone},
	OpSwapString:  {"swap_string", FormNone},
	OpSwapObject:  {"swap_object", FormNone},
	OpShiftInt:    {"shift_int", FormSigned},
	OpShiftFloat:  {"shift_float", FormSigned},
	OpShiftString: {"shift_string", FormSigned},
	OpShiftObject: {"shift_object", FormSigned},

	OpEqualInt:        {"equal_int", FormNone},
	OpNotEqualInt:     {"notEqual_int", FormNone},
	OpLessInt:         {"less_int", FormNone},
	OpLessEqualInt:    {"lessEqual_int", FormNone},
	OpGreaterInt:      {"greater_int", FormNone},
	OpGreaterEqualInt: {"greaterEqual_int", FormNone},
	OpAddInt:          {"add_int", FormNone},
	OpSubInt:          {"sub_int", FormNone},
	OpMulInt:          {"mul_int", FormNone},
	OpDivInt:          {"div_int", FormNone},
	OpModInt:          {"mod_int", FormNone},
	OpNegInt:          {"neg_int", FormNone},
	OpIncInt:          {"inc_int", FormNone},
	OpDecInt:          {"dec_int", FormNone},
	OpAndInt:          {"and_int", FormNone},
	OpOrInt:           {"or_int", FormNone},
	OpNotInt:          {"not_int", FormNone},

	OpEqualFloat:        {"equal_float", FormNone},
	OpNotEqualFloat:     {"notEqual_float", FormNone},
	OpLessFloat:         {"less_float", FormNone},
	OpLessEqualFloat:    {"lessEqual_float", FormNone},
	OpGreaterFloat:      {"greater_float", FormNone},
	OpGreaterEqualFloat: {"greaterEqual_float", FormNone},
	OpAddFloat:          {"add_float", FormNone},
	OpSubFloat:          {"sub_float", FormNone},
	OpMulFloat:          {"mul_float", FormNone},
	OpDivFloat:          {"div_float", FormNone},
	OpModFloat:          {"mod_float", FormNone},
	OpNegFloat:          {"neg_float", FormNone},
	OpIncFloat:          {"inc_float", FormNone},
	OpDecFloat:          {"dec_float", FormNone},

	OpEqualString:    {"equal_string", FormNone},
	OpNotEqualString: {"notEqual_string", FormNone},
	OpConcatString:   {"concat_string", FormNone},

	OpIntToFloat:    {"int_to_float", FormNone},
	OpFloatToInt:    {"float_to_int", FormNone},
	OpIntToString:   {"int_to_string", FormNone},
	OpFloatToString: {"float_to_string", FormNone},

	OpArrayInt:    {"array_int", FormUnsigned},
	OpArrayFloat:  {"array_float", FormUnsigned},
	OpArrayString: {"array_string", FormUnsigned},
	OpArrayObject: {"array_object", FormUnsigned},

	OpIndexInt:     {"index_int", FormNone},
	OpIndexFloat:   {"index_float", FormNone},
	OpIndexString:  {"index_string", FormNone},
	OpIndexObject:  {"index_object", FormNone},
	OpIndex2Int:    {"index2_int", FormNone},
	OpIndex2Float:  {"index2_float", FormNone},
	OpIndex2String: {"index2_string", FormNone},
	OpIndex2Object: {"index2_object", FormNone},
	OpIndex3Int:    {"index3_int", FormNone},
	OpIndex3Float:  {"index3_float", FormNone},
	OpIndex3String: {"index3_string", FormNone},
	OpIndex3Object: {"index3_object", FormNone},

	OpLengthInt:         {"length_int", FormNone},
	OpLengthFloat:       {"length_float", FormNone},
	OpLengthString:      {"length_string", FormNone},
	OpLengthObject:      {"length_object", FormNone},
	OpConcatIntArray:    {"concatenate_intArray", FormNone},
	OpConcatFloatArray:  {"concatenate_floatArray", FormNone},
	OpConcatStringArray: {"concatenate_stringArray", FormNone},
	OpConcatObjectArray: {"concatenate_objectArray", FormNone},
	OpAppendInt:         {"append_int", FormNone},
	OpAppendFloat:       {"append_float", FormNone},
	OpAppendString:      {"append_string", FormNone},
	OpAppendObject:      {"append_object", FormNone},
	OpPrependInt:        {"prepend_int", FormNone},
	OpPrependFloat:      {"prepend_float", FormNone},
	OpPrependString:     {"prepend_string", FormNone},
	OpPrependObject:     {"prepend_object", FormNone},
	OpArrayEqualInt:     {"arrayEqual_int", FormNone},
	OpArrayEqualFloat:   {"arrayEqual_float", FormNone},
	OpArrayEqualString:  {"arrayEqual_string", FormNone},
	OpArrayEqualObject:  {"arrayEqual_object", FormNone},

	OpRefStoreInt:    {"refStore_int", FormNone},
	OpRefStoreFloat:  {"refStore_float", FormNone},
	OpRefStoreString: {"refStore_string", FormNone},
	OpRefStoreObject: {"refStore_object", FormNone},

	OpNew:              {"new", FormUnsigned},
	OpFieldLoadInt:     {"fieldLoad_int", FormUnsigned},
	OpFieldLoadFloat:   {"fieldLoad_float", FormUnsigned},
	OpFieldLoadString:  {"fieldLoad_string", FormUnsigned},
	OpFieldLoadObject:  {"fieldLoad_object", FormUnsigned},
	OpFieldStoreInt:    {"fieldStore_int", FormUnsigned},
	OpFieldStoreFloat:  {"fieldStore_float", FormUnsigned},
	OpFieldStoreString: {"fieldStore_string", FormUnsigned},
	OpFieldStoreObject: {"fieldStore_object", FormUnsigned},

	OpNewChannel:         {"new_channel", FormPair},
	OpCloseChannel:       {"close_channel", FormNone},
	OpSendInt:            {"send_int", FormNone},
	OpSendFloat:          {"send_float", FormNone},
	OpSendString:         {"send_string", FormNone},
	OpSendObject:         {"send_object", FormNone},
	OpReceiveInt:         {"receive_int", FormNone},
	OpReceiveFloat:       {"receive_float", FormNone},
	OpReceiveString:      {"receive_string", FormNone},
	OpReceiveObject:      {"receive_object", FormNone},
	OpStartSelectChannel: {"start_select_channel", FormNone},
	OpTryChannel:         {"try_channel", FormSigned},
	OpCheckChannel:       {"check_channel", FormNone},
	OpEndSelectChannel:   {"end_select_channel", FormNone},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if int(op) < len(opcodeTable) && opcodeTable[op].Name != "" {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02X", uint8(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string { return op.Info().Name }

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstr renders one instruction word at the given pc.
func DisassembleInstr(pc int, w Instr) string {
	info := w.Op().Info()
	switch info.Form {
	case FormUnsigned:
		return fmt.Sprintf("%04d  %s %d", pc, info.Name, w.Uval())
	case FormSigned:
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pc, info.Name, w.Sval(), pc+w.Sval())
	case FormPair:
		return fmt.Sprintf("%04d  %s %d %d", pc, info.Name, w.V1(), w.V2())
	default:
		return fmt.Sprintf("%04d  %s", pc, info.Name)
	}
}

// Disassemble returns a full listing of an opcode stream.
func Disassemble(code []Instr) string {
	var b strings.Builder
	for pc, w := range code {
		if pc > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(DisassembleInstr(pc, w))
	}
	return b.String()
}
