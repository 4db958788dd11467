package dist

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Zenohate/grimoire/vm"
)

func sampleProgram() *vm.Program {
	b := vm.NewCodeBuilder()
	b.EmitU(vm.OpPushConstInt, 0)
	b.EmitU(vm.OpStoreGlobalInt, 0)
	b.Emit(vm.OpReturn)
	return &vm.Program{
		IntConsts:  []int32{42},
		IntGlobals: 1,
		Opcodes:    b.Code(),
		Events:     map[string]uint32{"main": 0},
		Globals:    map[string]vm.GlobalDesc{"out": {Index: 0, Mask: vm.MaskInt}},
	}
}

func TestChunkRoundTrip(t *testing.T) {
	c, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	if !c.Verify() {
		t.Fatal("fresh chunk fails verification")
	}

	p, err := c.Program()
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	if len(p.Opcodes) != 3 || p.IntConsts[0] != 42 {
		t.Errorf("payload mismatch: %#v", p)
	}
}

func TestChunkHashStable(t *testing.T) {
	a, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	b, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	if a.Hash != b.Hash {
		t.Error("identical programs hash differently")
	}
}

func TestChunkTamperDetected(t *testing.T) {
	c, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	c.Payload[0] ^= 0xFF
	if c.Verify() {
		t.Error("tampered chunk passes verification")
	}
	if _, err := c.Program(); err == nil {
		t.Error("tampered chunk deserialized without error")
	}
}

func TestWireRoundTrip(t *testing.T) {
	c, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}

	raw, err := MarshalChunk(c)
	if err != nil {
		t.Fatalf("MarshalChunk: %v", err)
	}
	got, err := UnmarshalChunk(raw)
	if err != nil {
		t.Fatalf("UnmarshalChunk: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Error("chunk wire round trip mismatch")
	}

	ann := NewAnnouncement(NewPeerID(), [][32]byte{c.Hash})
	rawAnn, err := MarshalAnnouncement(ann)
	if err != nil {
		t.Fatalf("MarshalAnnouncement: %v", err)
	}
	gotAnn, err := UnmarshalAnnouncement(rawAnn)
	if err != nil {
		t.Fatalf("UnmarshalAnnouncement: %v", err)
	}
	if !reflect.DeepEqual(gotAnn, ann) {
		t.Error("announcement wire round trip mismatch")
	}
}

func TestWireCanonicalEncoding(t *testing.T) {
	c, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	a, _ := MarshalChunk(c)
	b, _ := MarshalChunk(c)
	if string(a) != string(b) {
		t.Error("canonical encoding not deterministic")
	}
}

func TestStorePutGet(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	c, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	if err := store.Put(c); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Has(c.Hash)
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v; want true", ok, err)
	}

	got, err := store.Get(c.Hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "demo" || !got.Verify() {
		t.Errorf("stored chunk corrupted: %+v", got)
	}

	hashes, err := store.Hashes()
	if err != nil || len(hashes) != 1 || hashes[0] != c.Hash {
		t.Errorf("Hashes = %v, %v", hashes, err)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if _, err := store.Get([32]byte{1}); err != ErrNotFound {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestStoreRejectsTamperedChunk(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	c, err := ChunkProgram("demo", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	c.Payload[0] ^= 0xFF
	if err := store.Put(c); err == nil {
		t.Error("tampered chunk accepted")
	}
}

func TestMissingAnswersAnnouncement(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	held, err := ChunkProgram("held", sampleProgram())
	if err != nil {
		t.Fatalf("ChunkProgram: %v", err)
	}
	if err := store.Put(held); err != nil {
		t.Fatalf("Put: %v", err)
	}

	unknown := [32]byte{9, 9, 9}
	ann := NewAnnouncement("peer", [][32]byte{held.Hash, unknown})
	want, err := store.Missing(ann)
	if err != nil {
		t.Fatalf("Missing: %v", err)
	}
	if len(want) != 1 || want[0] != unknown {
		t.Errorf("Missing = %v, want only the unknown hash", want)
	}
}
