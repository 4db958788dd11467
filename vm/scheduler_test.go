package vm

import (
	"testing"
)

func TestSpawnRunsNextRound(t *testing.T) {
	// main spawns a worker that sets a flag; the flag must not be set in
	// the round that spawned it.
	b := NewCodeBuilder()
	taskPC := b.Len()
	b.EmitU(OpTask, 0)
	b.Emit(OpReturn)
	workerPC := b.Len()
	b.EmitU(OpPushConstInt, 0)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	code := b.Code()
	code[taskPC] = MakeInstr(OpTask, workerPC)

	v := buildVM(t, code, nil, func(p *Program) {
		p.IntConsts = []int32{1}
		intGlobal("flag", 0)(p)
	})
	if err := v.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	v.Process() // round 1: main runs and spawns
	if got := mustInt(t, v, "flag"); got != 0 {
		t.Errorf("flag set in the spawning round")
	}
	v.Process() // round 2: worker runs
	if got := mustInt(t, v, "flag"); got != 1 {
		t.Errorf("flag = %d after round 2, want 1", got)
	}
	if v.HasCoroutines() {
		t.Error("coroutines left")
	}
}

func TestYieldSuspendsForTheRound(t *testing.T) {
	// main: out=1; yield; out=2.
	b := NewCodeBuilder()
	b.EmitU(OpPushConstInt, 0)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpYield)
	b.EmitU(OpPushConstInt, 1)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	v := buildVM(t, b.Code(), nil, func(p *Program) {
		p.IntConsts = []int32{1, 2}
		intGlobal("out", 0)(p)
	})
	if err := v.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	v.Process()
	if got := mustInt(t, v, "out"); got != 1 {
		t.Errorf("out = %d after round 1, want 1", got)
	}
	v.Process()
	if got := mustInt(t, v, "out"); got != 2 {
		t.Errorf("out = %d after round 2, want 2", got)
	}
}

func TestMailboxTransfersTaskArguments(t *testing.T) {
	// main pushes 4 and 38 through the integer mailbox and spawns a
	// worker whose prologue pops them into locals and adds them.
	b := NewCodeBuilder()
	b.EmitU(OpPushConstInt, 0)
	b.EmitU(OpPushConstInt, 1)
	b.EmitU(OpGlobalPushInt, 2)
	taskPC := b.Len()
	b.EmitU(OpTask, 0)
	b.Emit(OpReturn)
	workerPC := b.Len()
	b.EmitU(OpLocalStackInt, 2)
	b.Emit(OpGlobalPopInt)
	b.EmitU(OpStoreLocalInt, 0)
	b.Emit(OpGlobalPopInt)
	b.EmitU(OpStoreLocalInt, 1)
	b.EmitU(OpLoadLocalInt, 0)
	b.EmitU(OpLoadLocalInt, 1)
	b.Emit(OpAddInt)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	code := b.Code()
	code[taskPC] = MakeInstr(OpTask, workerPC)

	v := buildVM(t, code, nil, func(p *Program) {
		p.IntConsts = []int32{4, 38}
		intGlobal("out", 0)(p)
	})
	drive(t, v)
	if got := mustInt(t, v, "out"); got != 42 {
		t.Errorf("out = %d, want 42", got)
	}
}

func TestHostMailboxFeedsSpawnedEvent(t *testing.T) {
	b := NewCodeBuilder()
	b.Emit(OpGlobalPopInt)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	v := buildVM(t, b.Code(), nil, func(p *Program) {
		p.Events["on_score_i"] = 0
		intGlobal("out", 0)(p)
	})
	v.PushIntArg(99)
	if err := v.SpawnEvent("on_score_i"); err != nil {
		t.Fatalf("SpawnEvent: %v", err)
	}
	driveRounds(t, v)
	if got := mustInt(t, v, "out"); got != 99 {
		t.Errorf("out = %d, want 99", got)
	}
}

func TestSpawnEventUnknownName(t *testing.T) {
	b := NewCodeBuilder()
	b.Emit(OpReturn)
	v := buildVM(t, b.Code(), nil, nil)
	if err := v.SpawnEvent("nope"); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestPushContextSpawns(t *testing.T) {
	b := NewCodeBuilder()
	b.Emit(OpReturn)
	entry := b.Len()
	b.EmitU(OpPushConstInt, 0)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	v := buildVM(t, b.Code(), nil, func(p *Program) {
		p.IntConsts = []int32{5}
		intGlobal("out", 0)(p)
	})
	v.PushContext(&Context{PC: entry})
	driveRounds(t, v)
	if got := mustInt(t, v, "out"); got != 5 {
		t.Errorf("out = %d, want 5", got)
	}
}

func TestKillAllStopsEveryCoroutine(t *testing.T) {
	// main spawns two spinners, yields so they start, then kill_all.
	b := NewCodeBuilder()
	task1 := b.Len()
	b.EmitU(OpTask, 0)
	task2 := b.Len()
	b.EmitU(OpTask, 0)
	b.Emit(OpYield)
	b.Emit(OpKillAll)
	spinner := b.Len()
	loop := b.NewLabel()
	b.Mark(loop)
	b.Emit(OpYield)
	b.EmitBranch(OpJump, loop)

	code := b.Code()
	code[task1] = MakeInstr(OpTask, spinner)
	code[task2] = MakeInstr(OpTask, spinner)

	v := buildVM(t, code, nil, nil)
	rounds := drive(t, v)
	if v.IsPanicking() {
		t.Fatalf("unexpected panic: %s", v.PanicMessage())
	}
	if v.HasCoroutines() {
		t.Error("coroutines survive kill_all")
	}
	if rounds > 10 {
		t.Errorf("kill_all took %d rounds", rounds)
	}
}

func TestHostCancellationPreservesState(t *testing.T) {
	// A primitive flips the running flag mid-round; the second coroutine
	// must not run and every pc stays put.
	b := NewCodeBuilder()
	taskPC := b.Len()
	b.EmitU(OpTask, 0)
	b.Emit(OpYield)
	b.EmitU(OpPrimitiveCall, 0) // halt
	b.Emit(OpReturn)
	workerPC := b.Len()
	b.EmitU(OpPushConstInt, 0)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	code := b.Code()
	code[taskPC] = MakeInstr(OpTask, workerPC)

	var v *VM
	lib := NewLibrary("test")
	lib.Register("halt", func(c *Call) { v.SetRunning(false) })

	v = buildVM(t, code, []*Library{lib}, func(p *Program) {
		p.IntConsts = []int32{1}
		p.Primitives = []PrimitiveDesc{{Name: "halt"}}
		intGlobal("flag", 0)(p)
	})
	if err := v.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	v.Process() // round 1: main spawns and yields
	// Round 2 admits the worker behind main in the ready list; main halts
	// first, so the worker never gets its turn and keeps its entry pc.
	v.Process()
	if got := mustInt(t, v, "flag"); got != 0 {
		t.Errorf("worker ran after cancellation, flag = %d", got)
	}
	if v.IsRunning() {
		t.Error("running flag still set")
	}
	found := false
	for _, cor := range v.coroutines {
		if cor.PC() == workerPC && !cor.removed {
			found = true
		}
	}
	if !found {
		t.Error("worker pc not preserved after cancellation")
	}

	// Resume: everything picks up where it left off.
	v.SetRunning(true)
	driveRounds(t, v)
	if got := mustInt(t, v, "flag"); got != 1 {
		t.Errorf("flag = %d after resume, want 1", got)
	}
}

func TestSpawnQueueAdmittedLIFO(t *testing.T) {
	// main spawns a and b; with LIFO admission b runs before a.
	b := NewCodeBuilder()
	taskA := b.Len()
	b.EmitU(OpTask, 0)
	taskB := b.Len()
	b.EmitU(OpTask, 0)
	b.Emit(OpReturn)
	entryA := b.Len()
	// order = order*10 + 1
	b.EmitU(OpLoadGlobalInt, 0)
	b.EmitU(OpPushConstInt, 0)
	b.Emit(OpMulInt)
	b.EmitU(OpPushConstInt, 1)
	b.Emit(OpAddInt)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)
	entryB := b.Len()
	// order = order*10 + 2
	b.EmitU(OpLoadGlobalInt, 0)
	b.EmitU(OpPushConstInt, 0)
	b.Emit(OpMulInt)
	b.EmitU(OpPushConstInt, 2)
	b.Emit(OpAddInt)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	code := b.Code()
	code[taskA] = MakeInstr(OpTask, entryA)
	code[taskB] = MakeInstr(OpTask, entryB)

	v := buildVM(t, code, nil, func(p *Program) {
		p.IntConsts = []int32{10, 1, 2}
		intGlobal("order", 0)(p)
	})
	drive(t, v)
	if got := mustInt(t, v, "order"); got != 21 {
		t.Errorf("order = %d, want 21 (b before a)", got)
	}
}
