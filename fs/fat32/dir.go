package fat32

import "kernel32/internal/neterr"

// caseInfoNameLower and caseInfoExtLower are the NTres byte (offset 12)
// bits VFAT uses to mark a short name's base or extension as lower-case,
// matching the original's entry->lowercase check.
const (
	caseInfoExtLower  uint8 = 0x10
	caseInfoNameLower uint8 = 0x08
)

// dirEntry is a parsed 32-byte FAT32 directory entry, read directly out of
// a sector buffer rather than overlaid with an unsafe struct cast.
type dirEntry struct {
	rawName     [11]byte
	attrib      uint8
	caseInfo    uint8
	clusterHigh uint16
	clusterLow  uint16
	size        uint32
}

func parseDirEntry(b []byte) dirEntry {
	return dirEntry{
		rawName:     [11]byte{b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7], b[8], b[9], b[10]},
		attrib:      b[11],
		caseInfo:    b[12],
		clusterHigh: get16(b[20:22]),
		clusterLow:  get16(b[26:28]),
		size:        get32(b[28:32]),
	}
}

func (e dirEntry) toFile() File {
	return File{
		Cluster: uint32(e.clusterHigh)<<16 | uint32(e.clusterLow),
		Size:    e.size,
		Attrib:  e.attrib,
	}
}

// shortName reconstructs the dos 8.3 name "NAME.EXT" from the packed
// 11-byte field, trimming trailing spaces from each half and lower-casing
// whichever half the NTres case-info byte flags, matching
// parse_short_filename.
func (e dirEntry) shortName() string {
	name := trimTrailingSpaces(e.rawName[0:8])
	if e.caseInfo&caseInfoNameLower != 0 {
		name = asciiToLower(name)
	}

	ext := trimTrailingSpaces(e.rawName[8:11])
	if ext == "" {
		return name
	}
	if e.caseInfo&caseInfoExtLower != 0 {
		ext = asciiToLower(ext)
	}
	return name + "." + ext
}

func trimTrailingSpaces(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return string(b[:end])
}

// asciiToLower lower-cases the ASCII letters in s, leaving every other byte
// untouched.
func asciiToLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// dirIterator walks a directory's entries across cluster boundaries,
// buffering one sector at a time, matching FAT32_DirList/read_next_entry.
type dirIterator struct {
	v               *Volume
	cluster         uint32
	entryIndex      uint32
	bufferedSector  uint32
	haveBuffer      bool
	sectorBuf       []byte
	lfnBuffer       [256]byte
	lfnLength       uint8
}

// Iterate returns a fresh iterator over dir's entries. dir must carry the
// directory attribute bit.
func (v *Volume) Iterate(dir File) *dirIterator {
	return &dirIterator{
		v:         v,
		cluster:   dir.Cluster,
		sectorBuf: make([]byte, sectorSize),
	}
}

func (it *dirIterator) readRawEntry() ([]byte, bool) {
	entriesPerCluster := it.v.clusterSize / dirEntrySize
	entriesPerSector := uint32(sectorSize / dirEntrySize)

	if it.entryIndex >= entriesPerCluster {
		next, ok := it.v.nextCluster(it.cluster)
		if !ok {
			return nil, false
		}
		it.cluster = next
		it.entryIndex = 0
	}

	sector := it.v.clusterToSector(it.cluster) + it.entryIndex/entriesPerSector
	if !it.haveBuffer || it.bufferedSector != sector {
		if err := readSectorInto(it.sectorBuf, sector); err != nil {
			return nil, false
		}
		it.bufferedSector = sector
		it.haveBuffer = true
	}

	entryInSector := it.entryIndex % entriesPerSector
	raw := it.sectorBuf[entryInSector*dirEntrySize : entryInSector*dirEntrySize+dirEntrySize]
	it.entryIndex++

	if raw[0] == 0 {
		return nil, false
	}
	return raw, true
}

// readSectorInto is a package-level indirection so tests can exercise the
// iterator without a real block device; it defaults to fs/blockdev.
var readSectorInto = defaultReadSectorInto

// Next advances the iterator and returns the next non-LFN entry's file
// handle and reconstructed name, or ok=false at the end of the directory.
// Long-filename entries preceding a short entry are reassembled in
// sequence order, matching fat32_next_dir_entry's overall dispatch shape.
func (it *dirIterator) Next() (file File, name string, ok bool) {
	for {
		raw, present := it.readRawEntry()
		if !present {
			it.lfnLength = 0
			return File{}, "", false
		}

		entry := parseDirEntry(raw)

		if entry.attrib == attrLFN {
			seq := raw[0] & 0x1F
			if seq == 0 {
				continue
			}
			if seq > it.lfnLength {
				it.lfnLength = seq
			}
			parseLFNEntry(raw, seq, it.lfnBuffer[:])
			continue
		}

		if it.lfnLength > 0 {
			name = reassembleLFN(it.lfnBuffer[:], it.lfnLength)
			it.lfnLength = 0
		} else {
			name = entry.shortName()
		}

		return entry.toFile(), name, true
	}
}

// parseLFNEntry extracts the 13 UCS-2 characters packed into a long-
// filename directory entry, taking the low byte of each code unit (ASCII
// truncation, matching parse_lfn_entry's `chars[i] & 0xFF`), and stores
// them at the sequence-ordered offset in buf. A 0xFFFF pad code unit marks
// the end of a short final fragment and stops the copy early.
func parseLFNEntry(raw []byte, seq uint8, buf []byte) {
	var lo, hi [lfnCharsPer]byte
	for i := 0; i < 5; i++ {
		lo[i], hi[i] = raw[1+i*2], raw[1+i*2+1]
	}
	for i := 0; i < 6; i++ {
		lo[5+i], hi[5+i] = raw[14+i*2], raw[14+i*2+1]
	}
	for i := 0; i < 2; i++ {
		lo[11+i], hi[11+i] = raw[28+i*2], raw[28+i*2+1]
	}

	base := int(seq-1) * lfnCharsPer
	for i := 0; i < lfnCharsPer; i++ {
		if lo[i] == 0xFF && hi[i] == 0xFF {
			break
		}
		buf[base+i] = lo[i]
	}
}

// reassembleLFN concatenates the sequence-ordered 13-character fragments
// (fragment seq N already occupies buf[(N-1)*13:N*13] from parseLFNEntry)
// and trims the result at the first NUL.
//
// fat32_next_dir_entry instead copies fragments out in descending sequence
// order, which reverses a name split across more than one LFN entry; since
// the long-filename reconstruction is required to round-trip names longer
// than 13 characters, that chunk order is not carried over here.
func reassembleLFN(buf []byte, parts uint8) string {
	out := buf[:int(parts)*lfnCharsPer]
	if nul := indexByte(out, 0); nul >= 0 {
		out = out[:nul]
	}
	return string(out)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func defaultReadSectorInto(buf []byte, sector uint32) *neterr.Error {
	return readSectorViaBlockdev(buf, sector)
}

// asciiEqualFold reports whether s and t are equal under ASCII case
// folding, matching fat32_strcasecmp's upper-casing comparison.
func asciiEqualFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if asciiUpper(s[i]) != asciiUpper(t[i]) {
			return false
		}
	}
	return true
}

func asciiUpper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 32
	}
	return c
}

// FindFile resolves a '/'-separated path from the root directory,
// case-insensitively matching one component at a time, matching
// fat32_find_file. A path component matched against a non-directory
// followed by a trailing '/' fails, as in the original.
func (v *Volume) FindFile(path string) (File, *neterr.Error) {
	current := v.RootDir()

	start := 0
	if len(path) > 0 && path[0] == '/' {
		start = 1
	}

	for start < len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		if end == start {
			break
		}
		component := path[start:end]

		it := v.Iterate(current)
		found := false
		for {
			file, name, ok := it.Next()
			if !ok {
				break
			}
			if asciiEqualFold(name, component) {
				current = file
				found = true
				break
			}
		}
		if !found {
			return File{}, neterr.New(neterr.NotFound, "fat32: no such file or directory")
		}
		if !current.IsDir() && end < len(path) && path[end] == '/' {
			return File{}, neterr.New(neterr.InvalidArgument, "fat32: path component is not a directory")
		}

		start = end + 1
	}

	return current, nil
}
