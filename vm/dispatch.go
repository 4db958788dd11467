package vm

import (
	"fmt"
	"math"
	"strconv"
)

// ---------------------------------------------------------------------------
// Dispatch: one coroutine runs until its next suspension point
// ---------------------------------------------------------------------------

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// saveSelect snapshots the restorable coroutine state and the mailbox
// cursors for start_select_channel.
func (vm *VM) saveSelect(cor *Coroutine) {
	cor.selects = append(cor.selects, selectSnapshot{
		isp: cor.isp, fsp: cor.fsp, ssp: cor.ssp, osp: cor.osp,
		iPos: cor.iPos, fPos: cor.fPos, sPos: cor.sPos, oPos: cor.oPos,
		inInt: vm.qInt.head, inFloat: vm.qFloat.head,
		inString: vm.qString.head, inObject: vm.qObject.head,
		outInt: len(vm.qInt.out), outFloat: len(vm.qFloat.out),
		outString: len(vm.qString.out), outObject: len(vm.qObject.out),
	})
}

// restoreSelect rewinds to the innermost snapshot without dropping it.
func (vm *VM) restoreSelect(cor *Coroutine) {
	if len(cor.selects) == 0 {
		panic("select restore without snapshot")
	}
	s := cor.selects[len(cor.selects)-1]
	for i := s.osp; i < cor.osp; i++ {
		cor.ostack[i] = nil
	}
	cor.isp, cor.fsp, cor.ssp, cor.osp = s.isp, s.fsp, s.ssp, s.osp
	cor.iPos, cor.fPos, cor.sPos, cor.oPos = s.iPos, s.fPos, s.sPos, s.oPos
	vm.qInt.head, vm.qFloat.head = s.inInt, s.inFloat
	vm.qString.head, vm.qObject.head = s.inString, s.inObject
	vm.qInt.out = vm.qInt.out[:s.outInt]
	vm.qFloat.out = vm.qFloat.out[:s.outFloat]
	vm.qString.out = vm.qString.out[:s.outString]
	vm.qObject.out = vm.qObject.out[:s.outObject]
}

// selectMiss abandons the current select case: restore the snapshot and
// move on to the next case, leaving the coroutine parked for this round.
func (vm *VM) selectMiss(cor *Coroutine) {
	vm.restoreSelect(cor)
	cor.evaluatingChannel = false
	cor.pc = cor.selectJumpPC
	cor.locked = true
}

// run executes one coroutine until it yields, blocks on a channel, is
// removed, or the host clears the running flag. The pc has already been
// advanced when an opcode handler executes; blocking handlers rewind it.
func (vm *VM) run(cor *Coroutine) {
	for vm.running && !cor.removed {
		pc := cor.pc
		w := vm.code[pc]
		if vm.profile != nil {
			vm.profile.counts[pc]++
		}
		cor.pc = pc + 1

		switch w.Op() {
		case OpNop:

		// --- Control ---
		case OpYield:
			return

		case OpReturn:
			cor.currentFrame().Returning = true
			vm.finishReturn(cor)

		case OpCall:
			cor.pushFrame(cor.pc)
			cor.pc = w.Uval()

		case OpAnonymousCall:
			target := int(cor.popInt())
			cor.pushFrame(cor.pc)
			cor.pc = target

		case OpPrimitiveCall:
			idx := w.Uval()
			call := vm.newCall(cor, vm.prog.Primitives[idx])
			vm.primFuncs[idx](call)

		case OpJump:
			cor.pc = pc + w.Sval()

		case OpJumpEqual:
			if cor.popInt() != 0 {
				cor.pc = pc + w.Sval()
			}

		case OpJumpNotEqual:
			if cor.popInt() == 0 {
				cor.pc = pc + w.Sval()
			}

		// --- Tasks ---
		case OpTask:
			vm.spawnAt(w.Uval())

		case OpAnonymousTask:
			vm.spawnAt(int(cor.popInt()))

		case OpKill:
			cor.killed = true
			vm.finishKill(cor)

		case OpKillAll:
			for _, other := range vm.coroutines {
				if other.removed {
					continue
				}
				other.killed = true
				other.pc = vm.terminalUnwindPC
			}
			vm.spawnQueue = vm.spawnQueue[:0]
			return

		// --- Unwinding ---
		case OpRaise:
			vm.raise(cor, cor.popString())

		case OpUnwind:
			vm.continueUnwind(cor)

		case OpTry:
			f := cor.currentFrame()
			f.Handlers = append(f.Handlers, pc+w.Sval())

		case OpCatch:
			f := cor.currentFrame()
			n := len(f.Handlers)
			if n == 0 {
				panic("catch without handler")
			}
			f.Handlers = f.Handlers[:n-1]
			if cor.panicking {
				cor.panicking = false
				cor.pushString(cor.panicMsg)
			} else {
				cor.pc = pc + w.Sval()
			}

		case OpDefer:
			f := cor.currentFrame()
			f.Defers = append(f.Defers, pc+w.Sval())

		// --- Constants ---
		case OpPushConstInt:
			cor.pushInt(vm.prog.IntConsts[w.Uval()])
		case OpPushConstFloat:
			cor.pushFloat(vm.prog.FloatConsts[w.Uval()])
		case OpPushConstString:
			cor.pushString(vm.prog.StringConsts[w.Uval()])

		// --- Local arenas ---
		case OpLocalStackInt:
			cor.reserveLocals(KindInt, w.Uval())
		case OpLocalStackFloat:
			cor.reserveLocals(KindFloat, w.Uval())
		case OpLocalStackString:
			cor.reserveLocals(KindString, w.Uval())
		case OpLocalStackObject:
			cor.reserveLocals(KindObject, w.Uval())

		case OpLoadLocalInt:
			cor.pushInt(cor.ilocals[cor.iPos+w.Uval()])
		case OpLoadLocalFloat:
			cor.pushFloat(cor.flocals[cor.fPos+w.Uval()])
		case OpLoadLocalString:
			cor.pushString(cor.slocals[cor.sPos+w.Uval()])
		case OpLoadLocalObject:
			cor.pushObject(cor.olocals[cor.oPos+w.Uval()])

		case OpStoreLocalInt:
			cor.ilocals[cor.iPos+w.Uval()] = cor.popInt()
		case OpStoreLocalFloat:
			cor.flocals[cor.fPos+w.Uval()] = cor.popFloat()
		case OpStoreLocalString:
			cor.slocals[cor.sPos+w.Uval()] = cor.popString()
		case OpStoreLocalObject:
			cor.olocals[cor.oPos+w.Uval()] = cor.popObject()

		// --- Globals ---
		case OpLoadGlobalInt:
			cor.pushInt(vm.iGlobals[w.Uval()])
		case OpLoadGlobalFloat:
			cor.pushFloat(vm.fGlobals[w.Uval()])
		case OpLoadGlobalString:
			cor.pushString(vm.sGlobals[w.Uval()])
		case OpLoadGlobalObject:
			cor.pushObject(vm.oGlobals[w.Uval()])

		case OpStoreGlobalInt:
			vm.iGlobals[w.Uval()] = cor.popInt()
		case OpStoreGlobalFloat:
			vm.fGlobals[w.Uval()] = cor.popFloat()
		case OpStoreGlobalString:
			vm.sGlobals[w.Uval()] = cor.popString()
		case OpStoreGlobalObject:
			vm.oGlobals[w.Uval()] = cor.popObject()

		// --- Mailboxes ---
		case OpGlobalPushInt:
			n := w.Uval()
			if cor.isp < n {
				panic("int stack underflow")
			}
			vm.qInt.out = append(vm.qInt.out, cor.istack[cor.isp-n:cor.isp]...)
			cor.isp -= n
		case OpGlobalPushFloat:
			n := w.Uval()
			if cor.fsp < n {
				panic("float stack underflow")
			}
			vm.qFloat.out = append(vm.qFloat.out, cor.fstack[cor.fsp-n:cor.fsp]...)
			cor.fsp -= n
		case OpGlobalPushString:
			n := w.Uval()
			if cor.ssp < n {
				panic("string stack underflow")
			}
			vm.qString.out = append(vm.qString.out, cor.sstack[cor.ssp-n:cor.ssp]...)
			cor.ssp -= n
		case OpGlobalPushObject:
			n := w.Uval()
			if cor.osp < n {
				panic("object stack underflow")
			}
			vm.qObject.out = append(vm.qObject.out, cor.ostack[cor.osp-n:cor.osp]...)
			for i := cor.osp - n; i < cor.osp; i++ {
				cor.ostack[i] = nil
			}
			cor.osp -= n

		case OpGlobalPopInt:
			v, ok := vm.qInt.take()
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			cor.pushInt(v)
		case OpGlobalPopFloat:
			v, ok := vm.qFloat.take()
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			cor.pushFloat(v)
		case OpGlobalPopString:
			v, ok := vm.qString.take()
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			cor.pushString(v)
		case OpGlobalPopObject:
			v, ok := vm.qObject.take()
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			cor.pushObject(v)

		// --- Stack manipulation ---
		case OpCopyInt:
			cor.pushInt(cor.peekInt())
		case OpCopyFloat:
			cor.pushFloat(cor.peekFloat())
		case OpCopyString:
			cor.pushString(cor.peekString())
		case OpCopyObject:
			cor.pushObject(cor.peekObject())

		case OpSwapInt:
			s := cor.istack
			s[cor.isp-1], s[cor.isp-2] = s[cor.isp-2], s[cor.isp-1]
		case OpSwapFloat:
			s := cor.fstack
			s[cor.fsp-1], s[cor.fsp-2] = s[cor.fsp-2], s[cor.fsp-1]
		case OpSwapString:
			s := cor.sstack
			s[cor.ssp-1], s[cor.ssp-2] = s[cor.ssp-2], s[cor.ssp-1]
		case OpSwapObject:
			s := cor.ostack
			s[cor.osp-1], s[cor.osp-2] = s[cor.osp-2], s[cor.osp-1]

		case OpShiftInt:
			if n := w.Sval(); n < 0 {
				if cor.isp+n < 0 {
					panic("int stack underflow")
				}
				cor.isp += n
			} else {
				for i := 0; i < n; i++ {
					cor.pushInt(0)
				}
			}
		case OpShiftFloat:
			if n := w.Sval(); n < 0 {
				if cor.fsp+n < 0 {
					panic("float stack underflow")
				}
				cor.fsp += n
			} else {
				for i := 0; i < n; i++ {
					cor.pushFloat(0)
				}
			}
		case OpShiftString:
			if n := w.Sval(); n < 0 {
				if cor.ssp+n < 0 {
					panic("string stack underflow")
				}
				cor.ssp += n
			} else {
				for i := 0; i < n; i++ {
					cor.pushString("")
				}
			}
		case OpShiftObject:
			if n := w.Sval(); n < 0 {
				if cor.osp+n < 0 {
					panic("object stack underflow")
				}
				for i := cor.osp + n; i < cor.osp; i++ {
					cor.ostack[i] = nil
				}
				cor.osp += n
			} else {
				for i := 0; i < n; i++ {
					cor.pushObject(nil)
				}
			}

		// --- Integer arithmetic and logic ---
		case OpEqualInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a == b))
		case OpNotEqualInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a != b))
		case OpLessInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a < b))
		case OpLessEqualInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a <= b))
		case OpGreaterInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a > b))
		case OpGreaterEqualInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a >= b))
		case OpAddInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(a + b)
		case OpSubInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(a - b)
		case OpMulInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(a * b)
		case OpDivInt:
			b := cor.popInt()
			a := cor.popInt()
			if b == 0 {
				vm.raise(cor, ErrZeroDivision)
				continue
			}
			cor.pushInt(a / b)
		case OpModInt:
			b := cor.popInt()
			a := cor.popInt()
			if b == 0 {
				vm.raise(cor, ErrZeroDivision)
				continue
			}
			cor.pushInt(a % b)
		case OpNegInt:
			cor.istack[cor.isp-1] = -cor.peekInt()
		case OpIncInt:
			cor.istack[cor.isp-1] = cor.peekInt() + 1
		case OpDecInt:
			cor.istack[cor.isp-1] = cor.peekInt() - 1
		case OpAndInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a != 0 && b != 0))
		case OpOrInt:
			b := cor.popInt()
			a := cor.popInt()
			cor.pushInt(b2i(a != 0 || b != 0))
		case OpNotInt:
			cor.istack[cor.isp-1] = b2i(cor.peekInt() == 0)

		// --- Float arithmetic ---
		case OpEqualFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushInt(b2i(a == b))
		case OpNotEqualFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushInt(b2i(a != b))
		case OpLessFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushInt(b2i(a < b))
		case OpLessEqualFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushInt(b2i(a <= b))
		case OpGreaterFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushInt(b2i(a > b))
		case OpGreaterEqualFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushInt(b2i(a >= b))
		case OpAddFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushFloat(a + b)
		case OpSubFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushFloat(a - b)
		case OpMulFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			cor.pushFloat(a * b)
		case OpDivFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			if b == 0 {
				vm.raise(cor, ErrZeroDivision)
				continue
			}
			cor.pushFloat(a / b)
		case OpModFloat:
			b := cor.popFloat()
			a := cor.popFloat()
			if b == 0 {
				vm.raise(cor, ErrZeroDivision)
				continue
			}
			cor.pushFloat(float32(math.Mod(float64(a), float64(b))))
		case OpNegFloat:
			cor.fstack[cor.fsp-1] = -cor.peekFloat()
		case OpIncFloat:
			cor.fstack[cor.fsp-1] = cor.peekFloat() + 1
		case OpDecFloat:
			cor.fstack[cor.fsp-1] = cor.peekFloat() - 1

		// --- Strings ---
		case OpEqualString:
			b := cor.popString()
			a := cor.popString()
			cor.pushInt(b2i(a == b))
		case OpNotEqualString:
			b := cor.popString()
			a := cor.popString()
			cor.pushInt(b2i(a != b))
		case OpConcatString:
			b := cor.popString()
			a := cor.popString()
			cor.pushString(a + b)

		// --- Typecasts ---
		case OpIntToFloat:
			cor.pushFloat(float32(cor.popInt()))
		case OpFloatToInt:
			cor.pushInt(int32(cor.popFloat()))
		case OpIntToString:
			cor.pushString(strconv.Itoa(int(cor.popInt())))
		case OpFloatToString:
			cor.pushString(strconv.FormatFloat(float64(cor.popFloat()), 'g', -1, 32))

		// --- Array construction ---
		case OpArrayInt:
			n := w.Uval()
			arr := NewArray[int32](n)
			for i := n - 1; i >= 0; i-- {
				arr.Elems[i] = cor.popInt()
			}
			cor.pushObject(arr)
		case OpArrayFloat:
			n := w.Uval()
			arr := NewArray[float32](n)
			for i := n - 1; i >= 0; i-- {
				arr.Elems[i] = cor.popFloat()
			}
			cor.pushObject(arr)
		case OpArrayString:
			n := w.Uval()
			arr := NewArray[string](n)
			for i := n - 1; i >= 0; i-- {
				arr.Elems[i] = cor.popString()
			}
			cor.pushObject(arr)
		case OpArrayObject:
			n := w.Uval()
			arr := NewArray[Ref](n)
			for i := n - 1; i >= 0; i-- {
				arr.Elems[i] = cor.popObject()
			}
			cor.pushObject(arr)

		// --- Array indexing: reference form ---
		case OpIndexInt:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*IntArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])
		case OpIndexFloat:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*FloatArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])
		case OpIndexString:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*StringArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])
		case OpIndexObject:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*ObjectArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])

		// --- Array indexing: value form ---
		case OpIndex2Int:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*IntArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushInt(arr.Elems[i])
		case OpIndex2Float:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*FloatArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushFloat(arr.Elems[i])
		case OpIndex2String:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*StringArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushString(arr.Elems[i])
		case OpIndex2Object:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*ObjectArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(arr.Elems[i])

		// --- Array indexing: dual form for in-place operators ---
		case OpIndex3Int:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*IntArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])
			cor.pushInt(arr.Elems[i])
		case OpIndex3Float:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*FloatArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])
			cor.pushFloat(arr.Elems[i])
		case OpIndex3String:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*StringArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])
			cor.pushString(arr.Elems[i])
		case OpIndex3Object:
			idx := cor.popInt()
			arr, ok := cor.popObject().(*ObjectArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			i, inRange := wrapIndex(idx, arr.Len())
			if !inRange {
				vm.raise(cor, ErrIndex)
				continue
			}
			cor.pushObject(&arr.Elems[i])
			cor.pushObject(arr.Elems[i])

		// --- Array length, concatenation, append/prepend, equality ---
		case OpLengthInt:
			arr, ok := cor.popObject().(*IntArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(int32(arr.Len()))
		case OpLengthFloat:
			arr, ok := cor.popObject().(*FloatArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(int32(arr.Len()))
		case OpLengthString:
			arr, ok := cor.popObject().(*StringArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(int32(arr.Len()))
		case OpLengthObject:
			arr, ok := cor.popObject().(*ObjectArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(int32(arr.Len()))

		case OpConcatIntArray:
			rb, okb := cor.popObject().(*IntArray)
			ra, oka := cor.popObject().(*IntArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushObject(concatArrays(ra, rb))
		case OpConcatFloatArray:
			rb, okb := cor.popObject().(*FloatArray)
			ra, oka := cor.popObject().(*FloatArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushObject(concatArrays(ra, rb))
		case OpConcatStringArray:
			rb, okb := cor.popObject().(*StringArray)
			ra, oka := cor.popObject().(*StringArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushObject(concatArrays(ra, rb))
		case OpConcatObjectArray:
			rb, okb := cor.popObject().(*ObjectArray)
			ra, oka := cor.popObject().(*ObjectArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushObject(concatArrays(ra, rb))

		case OpAppendInt:
			v := cor.popInt()
			arr, ok := cor.popObject().(*IntArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Append(v)
			cor.pushObject(arr)
		case OpAppendFloat:
			v := cor.popFloat()
			arr, ok := cor.popObject().(*FloatArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Append(v)
			cor.pushObject(arr)
		case OpAppendString:
			v := cor.popString()
			arr, ok := cor.popObject().(*StringArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Append(v)
			cor.pushObject(arr)
		case OpAppendObject:
			v := cor.popObject()
			arr, ok := cor.popObject().(*ObjectArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Append(v)
			cor.pushObject(arr)

		case OpPrependInt:
			v := cor.popInt()
			arr, ok := cor.popObject().(*IntArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Prepend(v)
			cor.pushObject(arr)
		case OpPrependFloat:
			v := cor.popFloat()
			arr, ok := cor.popObject().(*FloatArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Prepend(v)
			cor.pushObject(arr)
		case OpPrependString:
			v := cor.popString()
			arr, ok := cor.popObject().(*StringArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Prepend(v)
			cor.pushObject(arr)
		case OpPrependObject:
			v := cor.popObject()
			arr, ok := cor.popObject().(*ObjectArray)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			arr.Prepend(v)
			cor.pushObject(arr)

		case OpArrayEqualInt:
			rb, okb := cor.popObject().(*IntArray)
			ra, oka := cor.popObject().(*IntArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(b2i(arraysEqual(ra, rb)))
		case OpArrayEqualFloat:
			rb, okb := cor.popObject().(*FloatArray)
			ra, oka := cor.popObject().(*FloatArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(b2i(arraysEqual(ra, rb)))
		case OpArrayEqualString:
			rb, okb := cor.popObject().(*StringArray)
			ra, oka := cor.popObject().(*StringArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(b2i(arraysEqual(ra, rb)))
		case OpArrayEqualObject:
			rb, okb := cor.popObject().(*ObjectArray)
			ra, oka := cor.popObject().(*ObjectArray)
			if !oka || !okb {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(b2i(arraysEqual(ra, rb)))

		// --- References ---
		case OpRefStoreInt:
			ref, ok := cor.popObject().(*int32)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			*ref = cor.popInt()
		case OpRefStoreFloat:
			ref, ok := cor.popObject().(*float32)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			*ref = cor.popFloat()
		case OpRefStoreString:
			ref, ok := cor.popObject().(*string)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			*ref = cor.popString()
		case OpRefStoreObject:
			ref, ok := cor.popObject().(*Ref)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			*ref = cor.popObject()

		// --- Objects ---
		case OpNew:
			cor.pushObject(NewObject(vm.prog.Classes[w.Uval()]))

		case OpFieldLoadInt:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushInt(obj.Ints[w.Uval()])
		case OpFieldLoadFloat:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushFloat(obj.Floats[w.Uval()])
		case OpFieldLoadString:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushString(obj.Strings[w.Uval()])
		case OpFieldLoadObject:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			cor.pushObject(obj.Refs[w.Uval()])

		case OpFieldStoreInt:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			obj.Ints[w.Uval()] = cor.popInt()
		case OpFieldStoreFloat:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			obj.Floats[w.Uval()] = cor.popFloat()
		case OpFieldStoreString:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			obj.Strings[w.Uval()] = cor.popString()
		case OpFieldStoreObject:
			obj, ok := cor.popObject().(*Object)
			if !ok {
				vm.raise(cor, ErrNull)
				continue
			}
			obj.Refs[w.Uval()] = cor.popObject()

		// --- Channels ---
		case OpNewChannel:
			k := Kind(w.V1())
			ch := newChannelOfKind(k, w.V2())
			if ch == nil {
				panic(fmt.Sprintf("new_channel: bad kind %d", w.V1()))
			}
			cor.pushObject(ch)

		case OpCloseChannel:
			if !closeChannel(cor.popObject()) {
				vm.raise(cor, ErrChannel)
			}

		case OpSendInt:
			ch, ok := cor.peekObject().(*IntChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popInt()
					cor.popObject()
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			if ch.Len() >= ch.Capacity {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			ch.TrySend(cor.popInt())
			cor.popObject()
			cor.evaluatingChannel = false
		case OpSendFloat:
			ch, ok := cor.peekObject().(*FloatChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popFloat()
					cor.popObject()
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			if ch.Len() >= ch.Capacity {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			ch.TrySend(cor.popFloat())
			cor.popObject()
			cor.evaluatingChannel = false
		case OpSendString:
			ch, ok := cor.peekObject().(*StringChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popString()
					cor.popObject()
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			if ch.Len() >= ch.Capacity {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			ch.TrySend(cor.popString())
			cor.popObject()
			cor.evaluatingChannel = false
		case OpSendObject:
			// Both operands live on the object stack: the channel was
			// pushed first, the value sits on top of it.
			if cor.osp < 2 {
				panic("object stack underflow")
			}
			ch, ok := cor.ostack[cor.osp-2].(*ObjectChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popObject()
					cor.popObject()
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			if ch.Len() >= ch.Capacity {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			// Value above the channel: pop value first, then the channel.
			v := cor.popObject()
			cor.popObject()
			ch.TrySend(v)
			cor.evaluatingChannel = false

		case OpReceiveInt:
			ch, ok := cor.peekObject().(*IntChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popObject()
					cor.pushInt(0)
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			v, ready := ch.TryReceive()
			if !ready {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			cor.popObject()
			cor.pushInt(v)
			cor.evaluatingChannel = false
		case OpReceiveFloat:
			ch, ok := cor.peekObject().(*FloatChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popObject()
					cor.pushFloat(0)
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			v, ready := ch.TryReceive()
			if !ready {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			cor.popObject()
			cor.pushFloat(v)
			cor.evaluatingChannel = false
		case OpReceiveString:
			ch, ok := cor.peekObject().(*StringChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popObject()
					cor.pushString("")
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			v, ready := ch.TryReceive()
			if !ready {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			cor.popObject()
			cor.pushString(v)
			cor.evaluatingChannel = false
		case OpReceiveObject:
			ch, ok := cor.peekObject().(*ObjectChan)
			if !ok {
				vm.raise(cor, ErrChannel)
				continue
			}
			if !ch.Owned() {
				if cor.evaluatingChannel {
					cor.evaluatingChannel = false
					cor.popObject()
					cor.pushObject(nil)
					continue
				}
				vm.raise(cor, ErrChannel)
				continue
			}
			v, ready := ch.TryReceive()
			if !ready {
				if cor.evaluatingChannel {
					vm.selectMiss(cor)
					return
				}
				cor.pc = pc
				cor.locked = true
				return
			}
			cor.popObject()
			cor.pushObject(v)
			cor.evaluatingChannel = false

		// --- Select ---
		case OpStartSelectChannel:
			vm.saveSelect(cor)

		case OpTryChannel:
			if cor.evaluatingChannel {
				vm.raise(cor, ErrSelect)
				continue
			}
			cor.evaluatingChannel = true
			cor.selectJumpPC = pc + w.Sval()

		case OpCheckChannel:
			vm.restoreSelect(cor)
			cor.evaluatingChannel = false

		case OpEndSelectChannel:
			if len(cor.selects) == 0 {
				panic("end_select_channel without snapshot")
			}
			cor.selects = cor.selects[:len(cor.selects)-1]

		default:
			panic(fmt.Sprintf("unknown opcode %02X at instr %d", uint8(w.Op()), pc))
		}
	}
}
