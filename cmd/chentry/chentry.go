// Command chentry modifies the entry address of an ELF binary.
//
// Adapted from the teacher's x86-64 chentry (biscuit/src/kernel/chentry.go)
// to this kernel's ARM32 boot images: the ELF checks target EM_ARM/
// ELFCLASS32 and the entry address is a 32-bit word, not 64-bit.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
)

func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

// chkELF validates that the ELF file is a little-endian, 32-bit ARM
// executable, the format this kernel's boot loader expects.
func chkELF(eh *elf.FileHeader) {
	if eh.Class != elf.ELFCLASS32 {
		log.Fatal("not a 32 bit elf")
	}
	if eh.Data != elf.ELFDATA2LSB {
		log.Fatal("not little-endian?")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != elf.EM_ARM {
		log.Fatal("not an ARM elf")
	}
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr>>32 != 0 {
		log.Fatal("entry does not fit in a 32bit ARM ELF header")
	}
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)

	fmt.Printf("using address 0x%x\n", addr)
	ef.FileHeader.Entry = addr

	if _, err := f.Seek(0, 0); err != nil {
		log.Fatal(err)
	}
	if err := writeHeader32(f, &ef.FileHeader); err != nil {
		log.Fatal(err)
	}
}

// elf32Header mirrors the on-disk Elf32_Ehdr layout so the rewritten
// entry point lands at the right byte offset in a 32-bit ELF file,
// where debug/elf.FileHeader's in-memory shape doesn't match the wire
// format directly.
type elf32Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func writeHeader32(f *os.File, fh *elf.FileHeader) error {
	var hdr elf32Header
	if _, err := f.ReadAt(hdr.Ident[:], 0); err != nil {
		return err
	}
	buf := make([]byte, 52)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return err
	}
	copy(hdr.Ident[:], buf[0:16])
	hdr.Type = binary.LittleEndian.Uint16(buf[16:18])
	hdr.Machine = binary.LittleEndian.Uint16(buf[18:20])
	hdr.Version = binary.LittleEndian.Uint32(buf[20:24])
	hdr.Entry = uint32(fh.Entry)
	hdr.Phoff = binary.LittleEndian.Uint32(buf[28:32])
	hdr.Shoff = binary.LittleEndian.Uint32(buf[32:36])
	hdr.Flags = binary.LittleEndian.Uint32(buf[36:40])
	hdr.Ehsize = binary.LittleEndian.Uint16(buf[40:42])
	hdr.Phentsize = binary.LittleEndian.Uint16(buf[42:44])
	hdr.Phnum = binary.LittleEndian.Uint16(buf[44:46])
	hdr.Shentsize = binary.LittleEndian.Uint16(buf[46:48])
	hdr.Shnum = binary.LittleEndian.Uint16(buf[48:50])
	hdr.Shstrndx = binary.LittleEndian.Uint16(buf[50:52])

	out := make([]byte, 52)
	copy(out[0:16], hdr.Ident[:])
	binary.LittleEndian.PutUint16(out[16:18], hdr.Type)
	binary.LittleEndian.PutUint16(out[18:20], hdr.Machine)
	binary.LittleEndian.PutUint32(out[20:24], hdr.Version)
	binary.LittleEndian.PutUint32(out[24:28], hdr.Entry)
	binary.LittleEndian.PutUint32(out[28:32], hdr.Phoff)
	binary.LittleEndian.PutUint32(out[32:36], hdr.Shoff)
	binary.LittleEndian.PutUint32(out[36:40], hdr.Flags)
	binary.LittleEndian.PutUint16(out[40:42], hdr.Ehsize)
	binary.LittleEndian.PutUint16(out[42:44], hdr.Phentsize)
	binary.LittleEndian.PutUint16(out[44:46], hdr.Phnum)
	binary.LittleEndian.PutUint16(out[46:48], hdr.Shentsize)
	binary.LittleEndian.PutUint16(out[48:50], hdr.Shnum)
	binary.LittleEndian.PutUint16(out[50:52], hdr.Shstrndx)
	_, err := f.WriteAt(out, 0)
	return err
}

// parseAddr converts the supplied string into a uint32 address,
// matching C's strtoul with base 0 (accepts decimal and hex).
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
