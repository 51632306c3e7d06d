package pmap

import (
	"testing"

	"github.com/armpi/kernel/pkg/mem"
)

func TestMapLookupUnmap(t *testing.T) {
	pm := Mkpmap()
	const va = 0x40003000

	if _, _, ok := pm.Lookup(va); ok {
		t.Fatal("expected no mapping before Map")
	}

	pm.Map(va, 7, PteWrite|PteUser, Meta{Class: mem.ClassSmall})
	pte, meta, ok := pm.Lookup(va)
	if !ok {
		t.Fatal("expected mapping after Map")
	}
	if pte.Page() != 7 {
		t.Fatalf("page = %d, want 7", pte.Page())
	}
	if !pte.Write() || !pte.User() {
		t.Fatal("expected write+user flags")
	}
	if meta.Class != mem.ClassSmall {
		t.Fatalf("class = %d, want %d", meta.Class, mem.ClassSmall)
	}

	pg, _, ok := pm.Unmap(va)
	if !ok || pg != 7 {
		t.Fatalf("Unmap = (%d,%v), want (7,true)", pg, ok)
	}
	if _, _, ok := pm.Lookup(va); ok {
		t.Fatal("expected no mapping after Unmap")
	}
}

func TestSetWriteAndCOW(t *testing.T) {
	pm := Mkpmap()
	const va = 0x1000

	pm.Map(va, 3, 0, Meta{COW: true})
	pte, meta, _ := pm.Lookup(va)
	if pte.Write() {
		t.Fatal("expected read-only mapping")
	}
	if !meta.COW {
		t.Fatal("expected COW metadata set")
	}

	if !pm.SetWrite(va, true) {
		t.Fatal("SetWrite on existing mapping should succeed")
	}
	if !pm.SetCOW(va, false) {
		t.Fatal("SetCOW on existing mapping should succeed")
	}
	pte, meta, _ = pm.Lookup(va)
	if !pte.Write() {
		t.Fatal("expected write bit set")
	}
	if meta.COW {
		t.Fatal("expected COW metadata cleared")
	}
}

func TestIterVisitsAllMappings(t *testing.T) {
	pm := Mkpmap()
	vas := []uintptr{0x1000, 0x2000, 0x500000, 0x600000}
	for i, va := range vas {
		pm.Map(va, mem.Pageno(i), PteUser, Meta{})
	}

	seen := make(map[uintptr]bool)
	pm.Iter(func(va uintptr, pte PTE, meta Meta) {
		seen[va] = true
	})
	for _, va := range vas {
		if !seen[va] {
			t.Fatalf("Iter missed va %#x", va)
		}
	}
	if len(seen) != len(vas) {
		t.Fatalf("Iter visited %d mappings, want %d", len(seen), len(vas))
	}
}
