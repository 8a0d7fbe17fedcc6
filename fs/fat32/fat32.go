// Package fat32 implements a read-only FAT32 volume: boot-sector parsing,
// a fully in-memory FAT used for cluster-chain traversal, and a directory
// iterator that reconstructs long filenames, all reading sectors through
// fs/blockdev.
package fat32

import (
	"kernel32/fs/blockdev"
	"kernel32/internal/neterr"
	"kernel32/internal/stats"
	"kernel32/kernel/kfmt"

	"github.com/rs/xid"
)

const (
	sectorSize   = blockdev.SectorSize
	dirEntrySize = 32

	attrLFN = 0x0F
	attrDir = 0x10

	// endOfChain is the FAT entry value marking the last cluster of a
	// chain, masked to the 28 data bits a FAT32 entry actually carries.
	endOfChain   = 0x0FFFFFFF
	clusterMask  = 0x0FFFFFFF
	lfnCharsPer  = 13
	bootSigOff   = 510
	fsTypeOff    = 82
	bpbBytesPerSectorOff     = 11
	bpbSectorsPerClusterOff  = 13
	bpbReservedSectorsOff    = 14
	bpbNumFATsOff            = 16
	bpbFATSize16Off          = 22
	bpbFATSize32Off          = 36
	bpbRootClusterOff        = 44
)

// header is the BIOS Parameter Block fields this driver needs, copied out
// of the boot sector's raw bytes rather than overlaid with an unsafe cast.
type header struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	fatSize16         uint16
	fatSize32         uint32
	rootCluster       uint32
}

// File is a FAT32 file or directory handle: its starting cluster, size in
// bytes (meaningless for directories), and raw attribute byte.
type File struct {
	Cluster uint32
	Size    uint32
	Attrib  uint8
}

// IsDir reports whether f's attribute byte carries the directory bit.
func (f File) IsDir() bool { return f.Attrib&attrDir != 0 }

// Volume is a mounted FAT32 filesystem: the parsed BPB, the derived sector
// geometry and an in-memory copy of the entire FAT.
type Volume struct {
	hdr             header
	fatSizeSectors  uint32
	dataStartSector uint32
	clusterSize     uint32
	fat             []uint32
	mountID         xid.ID
}

var mounted *Volume

func get16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func get32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readSectorViaBlockdev(buf []byte, sector uint32) *neterr.Error {
	return blockdev.ReadSector(sector, buf)
}

// Mount reads LBA 0 through fs/blockdev, validates the boot signature and
// FAT32 identifier, parses the BPB and loads the entire FAT table into
// memory, mirroring fat32_init_volume.
func Mount() (*Volume, *neterr.Error) {
	boot := make([]byte, sectorSize)
	if err := readSectorInto(boot, 0); err != nil {
		return nil, neterr.Wrap(err, neterr.DeviceError, "fat32: failed to read boot sector")
	}

	if boot[bootSigOff] != 0x55 || boot[bootSigOff+1] != 0xAA {
		return nil, neterr.New(neterr.ProtocolError, "fat32: invalid boot signature")
	}
	if string(boot[fsTypeOff:fsTypeOff+8]) != "FAT32   " {
		return nil, neterr.New(neterr.ProtocolError, "fat32: not a FAT32 filesystem")
	}

	var h header
	h.bytesPerSector = get16(boot[bpbBytesPerSectorOff:])
	h.sectorsPerCluster = boot[bpbSectorsPerClusterOff]
	h.reservedSectors = get16(boot[bpbReservedSectorsOff:])
	h.numFATs = boot[bpbNumFATsOff]
	h.fatSize16 = get16(boot[bpbFATSize16Off:])
	h.fatSize32 = get32(boot[bpbFATSize32Off:])
	h.rootCluster = get32(boot[bpbRootClusterOff:])

	if h.bytesPerSector != sectorSize {
		return nil, neterr.New(neterr.ProtocolError, "fat32: unsupported sector size")
	}

	v := &Volume{hdr: h, mountID: xid.New()}

	v.fatSizeSectors = uint32(h.fatSize16)
	if v.fatSizeSectors == 0 {
		v.fatSizeSectors = h.fatSize32
	}
	if v.fatSizeSectors == 0 {
		return nil, neterr.New(neterr.ProtocolError, "fat32: FAT size is zero")
	}

	v.dataStartSector = uint32(h.reservedSectors) + uint32(h.numFATs)*v.fatSizeSectors
	v.clusterSize = uint32(h.sectorsPerCluster) * sectorSize

	v.fat = make([]uint32, v.fatSizeSectors*sectorSize/4)
	sectorBuf := make([]byte, sectorSize)
	entriesPerSector := sectorSize / 4
	for s := uint32(0); s < v.fatSizeSectors; s++ {
		if err := readSectorInto(sectorBuf, uint32(h.reservedSectors)+s); err != nil {
			return nil, neterr.Wrap(err, neterr.DeviceError, "fat32: failed to read FAT table")
		}
		for i := uint32(0); i < entriesPerSector; i++ {
			v.fat[s*entriesPerSector+i] = get32(sectorBuf[i*4:]) & clusterMask
		}
	}

	mounted = v
	kfmt.Printf("[fat32] mounted %s: %d sectors/cluster, FAT %d sectors, root cluster %d\n",
		v.mountID.String(), h.sectorsPerCluster, v.fatSizeSectors, h.rootCluster)

	return v, nil
}

func (v *Volume) clusterToSector(cluster uint32) uint32 {
	return v.dataStartSector + (cluster-2)*uint32(v.hdr.sectorsPerCluster)
}

func (v *Volume) nextCluster(cluster uint32) (uint32, bool) {
	next := v.fat[cluster] & clusterMask
	return next, next != endOfChain
}

// RootDir returns a handle for the volume's root directory.
func (v *Volume) RootDir() File {
	return File{Cluster: v.hdr.rootCluster, Attrib: attrDir}
}

// Read copies up to len(out) bytes starting at offset within file into out,
// walking the FAT chain one cluster at a time and reading whole sectors
// through fs/blockdev, matching fat32_read_file's advance-then-copy loop.
func (v *Volume) Read(file File, offset uint32, out []byte) (int, *neterr.Error) {
	if !file.IsDir() && offset+uint32(len(out)) > file.Size {
		return 0, neterr.New(neterr.InvalidArgument, "fat32: read beyond file size")
	}

	cluster := file.Cluster
	clustersToSkip := offset / v.clusterSize
	for i := uint32(0); i < clustersToSkip; i++ {
		offset -= v.clusterSize
		next, ok := v.nextCluster(cluster)
		if !ok {
			return 0, neterr.New(neterr.ProtocolError, "fat32: invalid cluster chain")
		}
		cluster = next
	}

	bytesLeft := uint32(len(out))
	written := 0
	sectorBuf := make([]byte, sectorSize)

	for {
		startSector := offset / sectorSize
		for s := startSector; s < uint32(v.hdr.sectorsPerCluster); s++ {
			inSectorOffset := offset % sectorSize

			if err := readSectorInto(sectorBuf, v.clusterToSector(cluster)+s); err != nil {
				return written, neterr.Wrap(err, neterr.DeviceError, "fat32: sector read failed")
			}
			stats.FAT32ReadsTotal.Inc()

			toCopy := bytesLeft
			if toCopy+inSectorOffset > sectorSize {
				toCopy = sectorSize - inSectorOffset
			}

			copy(out[written:], sectorBuf[inSectorOffset:inSectorOffset+toCopy])
			bytesLeft -= toCopy
			written += int(toCopy)
			offset = 0

			if bytesLeft == 0 {
				return written, nil
			}
		}

		next, ok := v.nextCluster(cluster)
		if !ok {
			return written, nil
		}
		cluster = next
	}
}

// ReadAll finds path and reads it in full, implementing net/httpd's
// FileReader interface.
func (v *Volume) ReadAll(path string) ([]byte, *neterr.Error) {
	file, err := v.FindFile(path)
	if err != nil {
		return nil, err
	}
	if file.IsDir() {
		return nil, neterr.New(neterr.InvalidArgument, "fat32: cannot read a directory as a file")
	}

	buf := make([]byte, file.Size)
	if _, err := v.Read(file, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
