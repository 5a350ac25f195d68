// Copyright 2024 The Fragcache Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coarse

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
)

const (
	persistMagic   uint32 = 0x46434348 // "FCCH"
	persistVersion uint16 = 1

	flag32BitTags uint16 = 1 << 0
)

// header is the fixed-size on-disk record preceding a unit's entrance
// table. HelperOffsets records the four control-flow prefix helper
// addresses (indirect-branch ret/call/jmp and the shared
// fragment-cache-return landing pad) relative to the unit's reloaded
// entrance slab, so a reloaded unit's ibl sentinels can be re-linked
// without re-deriving them from scratch.
type header struct {
	Magic         uint32
	Version       uint16
	Flags         uint16
	Sharing       uint8
	_             [7]byte // pad to 8-byte alignment before the uint64 fields
	Lo            uint64
	Hi            uint64
	NumEntrances  uint32
	_             uint32 // pad
	HelperOffsets [4]uint64
}

// Persist writes unit's header and entrance table to w. mode32 selects
// the 32-bit tag width layout for targets where isa.Tag never exceeds
// 32 bits, shrinking each entry from 16 to 12 bytes (the pc stays 8).
func Persist(w io.Writer, u *Unit, mode32 bool, helperOffsets [4]uint64) error {
	hdr := header{
		Magic:         persistMagic,
		Version:       persistVersion,
		Sharing:       uint8(u.Sharing),
		Lo:            uint64(u.Lo),
		Hi:            uint64(u.Hi),
		NumEntrances:  uint32(len(u.entranceByTag)),
		HelperOffsets: helperOffsets,
	}
	if mode32 {
		hdr.Flags |= flag32BitTags
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("coarse: write header for %s: %w", u.Name, err)
	}
	nameBytes := []byte(u.Name)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(nameBytes))); err != nil {
		return fmt.Errorf("coarse: write name length for %s: %w", u.Name, err)
	}
	if _, err := w.Write(nameBytes); err != nil {
		return fmt.Errorf("coarse: write name for %s: %w", u.Name, err)
	}
	for tag, pc := range u.entranceByTag {
		if err := writeEntry(w, tag, pc, mode32); err != nil {
			return fmt.Errorf("coarse: write entry for %s: %w", u.Name, err)
		}
	}
	return nil
}

func writeEntry(w io.Writer, tag isa.Tag, pc uintptr, mode32 bool) error {
	if mode32 {
		if err := binary.Write(w, binary.LittleEndian, uint32(tag)); err != nil {
			return err
		}
	} else {
		if err := binary.Write(w, binary.LittleEndian, uint64(tag)); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, uint64(pc))
}

func readEntry(r io.Reader, mode32 bool) (isa.Tag, uintptr, error) {
	var tag isa.Tag
	if mode32 {
		var t32 uint32
		if err := binary.Read(r, binary.LittleEndian, &t32); err != nil {
			return 0, 0, err
		}
		tag = isa.Tag(t32)
	} else {
		var t64 uint64
		if err := binary.Read(r, binary.LittleEndian, &t64); err != nil {
			return 0, 0, err
		}
		tag = isa.Tag(t64)
	}
	var pc uint64
	if err := binary.Read(r, binary.LittleEndian, &pc); err != nil {
		return 0, 0, err
	}
	return tag, uintptr(pc), nil
}

// LoadHeader reads unit metadata from r without consuming entrance
// entries, so a caller can size the replacement entrance-stub slab
// (NewUnit requires numEntrances up front) before reading the rest via
// LoadEntries.
func LoadHeader(r io.Reader) (name string, sharing fragment.Sharing, lo, hi isa.Tag, numEntrances int, mode32 bool, helperOffsets [4]uint64, err error) {
	var hdr header
	if err = binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return
	}
	if hdr.Magic != persistMagic {
		err = fmt.Errorf("coarse: bad magic %#x", hdr.Magic)
		return
	}
	if hdr.Version != persistVersion {
		err = fmt.Errorf("coarse: unsupported version %d", hdr.Version)
		return
	}
	sharing = fragment.Sharing(hdr.Sharing)
	lo = isa.Tag(hdr.Lo)
	hi = isa.Tag(hdr.Hi)
	numEntrances = int(hdr.NumEntrances)
	mode32 = hdr.Flags&flag32BitTags != 0
	helperOffsets = hdr.HelperOffsets

	var nameLen uint32
	if err = binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return
	}
	nameBytes := make([]byte, nameLen)
	if _, err = io.ReadFull(r, nameBytes); err != nil {
		return
	}
	name = string(nameBytes)
	return
}

// LoadEntries populates unit's entrance table by reading n entries
// from r, matching the layout LoadHeader reported.
func LoadEntries(r io.Reader, u *Unit, n int, mode32 bool) error {
	for i := 0; i < n; i++ {
		tag, pc, err := readEntry(r, mode32)
		if err != nil {
			return fmt.Errorf("coarse: read entry %d: %w", i, err)
		}
		u.entranceByTag[tag] = pc
	}
	return nil
}
