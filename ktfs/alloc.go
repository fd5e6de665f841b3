package ktfs

import (
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/kstats"
)

const bitsPerBlock = BlockSize * 8

// findFreeDataBlock implements find_free_data_block: scan the bitmap
// byte-by-byte, skipping all-ones bytes, and claim the lowest clear
// bit (spec.md §4.7 "Free block search"). Per spec.md §6, bit k of
// byte k%8 within bitmap block b describes data-region block
// b·4096+k directly — the bitmap's bit space covers only the data
// region, so the bit position returned here already is the
// data-relative block number; no offset against dataStart is needed.
func (fs *Filesystem_t) findFreeDataBlock() (uint32, kerrno.Err_t) {
	for bmpBlock := fs.bitmapStart; bmpBlock < fs.inodeStart; bmpBlock++ {
		blk, err := fs.cache.GetBlock(fs.blockPos(bmpBlock))
		if err != 0 {
			return 0, err
		}
		for i := 0; i < BlockSize; i++ {
			if blk.Data[i] == 0xFF {
				kstats.BitmapScanMisses.Inc()
				continue
			}
			for j := 0; j < 8; j++ {
				if blk.Data[i]&(1<<uint(j)) == 0 {
					blk.Data[i] |= 1 << uint(j)
					pageIndex := bmpBlock - fs.bitmapStart
					dataRelative := pageIndex*bitsPerBlock + uint32(i)*8 + uint32(j)
					fs.cache.ReleaseBlock(blk, true)
					return dataRelative, 0
				}
			}
		}
		fs.cache.ReleaseBlock(blk, false)
	}
	return 0, kerrno.ENOMEM
}

// clearDataBlock clears the bitmap bit for a data-relative block
// number (spec.md §6: the bit position directly is the data-region
// block number, so no offset conversion is needed here either).
func (fs *Filesystem_t) clearDataBlock(dataRelative uint32) kerrno.Err_t {
	bmpBlock := fs.bitmapStart + dataRelative/bitsPerBlock
	bitInBlock := dataRelative % bitsPerBlock
	byteIdx, bitOfs := bitInBlock/8, bitInBlock%8

	blk, err := fs.cache.GetBlock(fs.blockPos(bmpBlock))
	if err != 0 {
		return err
	}
	blk.Data[byteIdx] &^= 1 << bitOfs
	fs.cache.ReleaseBlock(blk, true)
	return 0
}

func (fs *Filesystem_t) zeroDataBlock(dataRelative uint32) kerrno.Err_t {
	blk, err := fs.cache.GetBlock(fs.dataPos(dataRelative))
	if err != 0 {
		return err
	}
	for i := range blk.Data {
		blk.Data[i] = 0
	}
	fs.cache.ReleaseBlock(blk, true)
	return 0
}

// findFreeInode implements find_free_inode: linear scan of the inode
// table for an all-zero (free) inode. The root directory inode is
// never free to claim even when it is itself all-zero (a fresh image's
// root inode has no allocated blocks yet), so it is skipped explicitly
// rather than relying on isFree() to rule it out.
func (fs *Filesystem_t) findFreeInode() (uint16, kerrno.Err_t) {
	for b := fs.inodeStart; b < fs.dataStart; b++ {
		blk, err := fs.cache.GetBlock(fs.blockPos(b))
		if err != 0 {
			return 0, err
		}
		for i := 0; i < InodesPerBlock; i++ {
			num := (b-fs.inodeStart)*InodesPerBlock + uint32(i)
			if uint16(num) == fs.sb.RootDirectoryInode {
				continue
			}
			in := decodeInode(blk.Data[i*InodeSize : (i+1)*InodeSize])
			if in.isFree() {
				fs.cache.ReleaseBlock(blk, false)
				return uint16(num), 0
			}
		}
		fs.cache.ReleaseBlock(blk, false)
	}
	return 0, kerrno.ENOMEM
}

// setEnd implements the SETEND control op: grow-only truncate. For
// every newly needed block, allocate+zero a free data block and stitch
// it into the inode's direct/indirect/dindirect topology, allocating
// any missing indirect/dindirect blocks along the way (spec.md §4.7
// "Truncate / grow").
func (fs *Filesystem_t) setEnd(slot int, newSize uint64) kerrno.Err_t {
	fs.lock.Acquire()
	defer fs.lock.Release()

	f := &fs.open[slot]
	in, err := fs.getInode(f.inode, false)
	if err != 0 {
		return err
	}
	if newSize < uint64(in.Size) || int64(newSize) > MaxFileSize {
		return kerrno.EINVAL
	}

	oldBlocks := (uint64(in.Size) + BlockSize - 1) / BlockSize
	newBlocks := (newSize + BlockSize - 1) / BlockSize

	for b := oldBlocks; b < newBlocks; b++ {
		dataRel, err := fs.findFreeDataBlock()
		if err != 0 {
			return err
		}
		if err := fs.zeroDataBlock(dataRel); err != 0 {
			return err
		}
		if err := fs.stitchBlock(&in, int(b), dataRel); err != 0 {
			return err
		}
	}

	in.Size = uint32(newSize)
	if err := fs.putInode(f.inode, in); err != 0 {
		return err
	}
	f.size = newSize
	return 0
}

// stitchBlock installs dataRel as logical block b of in, allocating
// and zeroing any missing indirect/dindirect blocks it needs to reach
// that slot.
func (fs *Filesystem_t) stitchBlock(in *Inode_t, b int, dataRel uint32) kerrno.Err_t {
	switch {
	case b < NumDirect:
		in.Blk[b] = dataRel
		return 0

	case b < NumDirect+singleIndirectN:
		if in.Indirect == 0 {
			ind, err := fs.findFreeDataBlock()
			if err != 0 {
				return err
			}
			if err := fs.zeroDataBlock(ind); err != 0 {
				return err
			}
			in.Indirect = ind
		}
		blk, err := fs.cache.GetBlock(fs.dataPos(in.Indirect))
		if err != 0 {
			return err
		}
		setIndirectEntry(blk.Data[:], b-NumDirect, dataRel)
		fs.cache.ReleaseBlock(blk, true)
		return 0

	default:
		rel := b - (NumDirect + singleIndirectN)
		dindIdx := 0
		if rel >= firstDindirectN {
			dindIdx = 1
			rel -= firstDindirectN
		}
		top, bottom := rel/IndirectCap, rel%IndirectCap
		return fs.stitchDindirect(&in.Dindirect[dindIdx], top, bottom, dataRel)
	}
}

func (fs *Filesystem_t) stitchDindirect(dindPtr *uint32, top, bottom int, dataRel uint32) kerrno.Err_t {
	if *dindPtr == 0 {
		d, err := fs.findFreeDataBlock()
		if err != 0 {
			return err
		}
		if err := fs.zeroDataBlock(d); err != 0 {
			return err
		}
		*dindPtr = d
	}
	dblk, err := fs.cache.GetBlock(fs.dataPos(*dindPtr))
	if err != 0 {
		return err
	}
	secondLevel := indirectEntries(dblk.Data[:])[top]
	if secondLevel == 0 {
		ind, err := fs.findFreeDataBlock()
		if err != 0 {
			fs.cache.ReleaseBlock(dblk, false)
			return err
		}
		if err := fs.zeroDataBlock(ind); err != 0 {
			fs.cache.ReleaseBlock(dblk, false)
			return err
		}
		secondLevel = ind
		setIndirectEntry(dblk.Data[:], top, secondLevel)
	}
	fs.cache.ReleaseBlock(dblk, true)

	iblk, err := fs.cache.GetBlock(fs.dataPos(secondLevel))
	if err != 0 {
		return err
	}
	setIndirectEntry(iblk.Data[:], bottom, dataRel)
	fs.cache.ReleaseBlock(iblk, true)
	return 0
}

// Create implements ktfs_create: fail if the name exists, append a
// directory entry at offset root.Size (allocating a new direct block
// if it crosses a boundary), and initialize a freshly found inode with
// size 0 (spec.md §4.7 "Create").
func (fs *Filesystem_t) Create(name string) kerrno.Err_t {
	fs.lock.Acquire()
	defer fs.lock.Release()

	_, err := fs.findInodeByName(name, false)
	if err == 0 {
		return kerrno.EEXIST
	}
	if err != kerrno.ENOENT {
		return err
	}

	root, err := fs.getInode(fs.sb.RootDirectoryInode, false)
	if err != 0 {
		return err
	}
	if root.Size >= uint32(MaxRootDirents*DirentSize) {
		return kerrno.ENOMEM
	}

	directBlock := int(root.Size) / BlockSize
	if directBlock > 0 && root.Blk[directBlock] == 0 {
		nb, err := fs.findFreeDataBlock()
		if err != 0 {
			return err
		}
		if err := fs.zeroDataBlock(nb); err != 0 {
			return err
		}
		root.Blk[directBlock] = nb
	}

	blockOffset := int(root.Size) % BlockSize
	dentryIndex := blockOffset / DirentSize

	dirBlk, err := fs.cache.GetBlock(fs.dataPos(root.Blk[directBlock]))
	if err != 0 {
		return err
	}

	newInodeNum, err := fs.findFreeInode()
	if err != 0 {
		fs.cache.ReleaseBlock(dirBlk, false)
		return err
	}
	// A non-zero flags word keeps the new inode from reading as free
	// (all-zero) to the next findFreeInode call.
	if err := fs.putInode(newInodeNum, Inode_t{Flags: 1}); err != 0 {
		fs.cache.ReleaseBlock(dirBlk, false)
		return err
	}

	fname := name
	if len(fname) > MaxFilenameLen {
		fname = fname[:MaxFilenameLen]
	}
	encodeDirent(dirent_t{Name: fname, Inode: newInodeNum}, dirBlk.Data[dentryIndex*DirentSize:(dentryIndex+1)*DirentSize])
	fs.cache.ReleaseBlock(dirBlk, true)

	root.Size += DirentSize
	if err := fs.putInode(fs.sb.RootDirectoryInode, root); err != 0 {
		return err
	}
	klog.Debugf("ktfs: created %q (inode=%d)", name, newInodeNum)
	return 0
}

// Delete implements ktfs_delete: force-close any open file with this
// name, free every data block the inode references (direct, indirect,
// and both double-indirect trees, including the index blocks
// themselves), delete-fetch the inode, and remove the directory entry
// (spec.md §4.7 "Delete").
func (fs *Filesystem_t) Delete(name string) kerrno.Err_t {
	fs.lock.Acquire()
	for i := range fs.open {
		if fs.open[i].inUse && fs.open[i].name == name {
			fs.open[i].inUse = false
		}
	}

	inodeNum, err := fs.findInodeByName(name, true)
	if err != 0 {
		fs.lock.Release()
		return err
	}
	in, err := fs.getInode(inodeNum, true)
	if err != 0 {
		fs.lock.Release()
		return err
	}
	defer fs.lock.Release()

	numBlocks := int((uint64(in.Size) + BlockSize - 1) / BlockSize)
	cleared := 0

	for i := 0; i < NumDirect && cleared < numBlocks; i++ {
		if in.Blk[i] == 0 {
			continue
		}
		if err := fs.clearDataBlock(in.Blk[i]); err != 0 {
			return err
		}
		cleared++
	}

	if in.Indirect != 0 {
		blk, err := fs.cache.GetBlock(fs.dataPos(in.Indirect))
		if err != 0 {
			return err
		}
		entries := indirectEntries(blk.Data[:])
		fs.cache.ReleaseBlock(blk, false)
		for i := 0; i < IndirectCap && cleared < numBlocks; i++ {
			if entries[i] == 0 {
				continue
			}
			if err := fs.clearDataBlock(entries[i]); err != 0 {
				return err
			}
			cleared++
		}
		if err := fs.clearDataBlock(in.Indirect); err != 0 {
			return err
		}
	}

	for d := 0; d < 2 && cleared < numBlocks; d++ {
		if in.Dindirect[d] == 0 {
			continue
		}
		dblk, err := fs.cache.GetBlock(fs.dataPos(in.Dindirect[d]))
		if err != 0 {
			return err
		}
		tops := indirectEntries(dblk.Data[:])
		fs.cache.ReleaseBlock(dblk, false)

		for j := 0; j < IndirectCap && cleared < numBlocks; j++ {
			if tops[j] == 0 {
				continue
			}
			iblk, err := fs.cache.GetBlock(fs.dataPos(tops[j]))
			if err != 0 {
				return err
			}
			bottoms := indirectEntries(iblk.Data[:])
			fs.cache.ReleaseBlock(iblk, false)
			for k := 0; k < IndirectCap && cleared < numBlocks; k++ {
				if bottoms[k] == 0 {
					continue
				}
				if err := fs.clearDataBlock(bottoms[k]); err != 0 {
					return err
				}
				cleared++
			}
			if err := fs.clearDataBlock(tops[j]); err != 0 {
				return err
			}
		}
		if err := fs.clearDataBlock(in.Dindirect[d]); err != 0 {
			return err
		}
	}

	klog.Debugf("ktfs: deleted %q (inode=%d)", name, inodeNum)
	return 0
}
