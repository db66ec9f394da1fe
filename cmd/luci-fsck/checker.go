package main

import (
	"fmt"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/dirent"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/fs"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/inode"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
)

// probeClusterBytes is the cluster size fsck mounts with. The directory
// walk below never touches file content through the compression engine
// — Lookup and Readdir work entirely off the inode table and directory
// blocks — so the only requirement on this value is the one Mount
// itself enforces (nonzero multiple of the real block size), not that
// it matches whatever cluster size the image was originally formatted
// with. A 4 MiB stride clears every block size luci-mkfs can produce.
const probeClusterBytes = 4 << 20

// report collects what the tree walk found.
type report struct {
	blockSize   uint32
	blocksFree  uint64
	inodesFree  uint64
	dirs, files int
	problems    []string
}

func (r *report) flag(format string, args ...interface{}) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
}

func (r *report) clean() bool { return len(r.problems) == 0 }

func (r *report) problemCount() int { return len(r.problems) }

func (r *report) print(logger log.Logger) {
	logger.Infof("block size %d, %d dir(s), %d file(s), %d block(s) free, %d inode(s) free",
		r.blockSize, r.dirs, r.files, r.blocksFree, r.inodesFree)
	for _, p := range r.problems {
		logger.Errorf("%s", p)
	}
	if r.clean() {
		logger.Infof("clean")
	}
}

// check mounts dev (which validates the superblock/descriptors and
// recovers any pending orphans as a side effect of Mount, exactly as a
// normal mount would) and then walks the directory tree from the root,
// cross-checking link-count bookkeeping and dirent file-type tags
// against the inodes they name.
func check(dev device.Device, logger log.Logger) (*report, error) {
	fsys, err := fs.Mount(dev, fs.Config{ClusterBytes: probeClusterBytes, MaxWorkers: 2}, logger)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	defer fsys.Unmount()

	st := fsys.Statfs()
	r := &report{blockSize: st.BlockSize, blocksFree: st.BlocksFree, inodesFree: st.InodesFree}

	root, err := fsys.Lookup(layout.RootIno, ".")
	if err != nil {
		r.flag("root inode %d: %v", layout.RootIno, err)
		return r, nil
	}
	if !root.Inode.IsDir() {
		r.flag("root inode %d is not a directory", layout.RootIno)
		return r, nil
	}

	visited := map[uint32]bool{layout.RootIno: true}
	walkDir(fsys, root, r, visited)

	return r, nil
}

// walkDir recurses into dir's children, validating each one against its
// parent dirent before descending further. visited guards against a
// corrupt tree that loops back on itself through a stale directory
// entry.
func walkDir(fsys *fs.Filesystem, dir *inode.Entry, r *report, visited map[uint32]bool) {
	r.dirs++
	childDirs := 0

	err := fsys.Readdir(dir.Ino, dirent.Cursor{}, func(d layout.Dirent, _ dirent.Cursor) bool {
		if d.Name == "." || d.Name == ".." {
			return true
		}

		entry, err := fsys.Lookup(dir.Ino, d.Name)
		if err != nil {
			r.flag("dir %d: dirent %q: lookup failed: %v", dir.Ino, d.Name, err)
			return true
		}

		wantType := fileType(entry.Inode.Mode)
		if d.FileType != layout.FTUnknown && d.FileType != wantType {
			r.flag("dir %d: dirent %q: recorded file type %d does not match inode %d's mode type %d",
				dir.Ino, d.Name, d.FileType, entry.Ino, wantType)
		}

		if entry.Inode.IsDir() {
			childDirs++
			if visited[entry.Ino] {
				r.flag("dir %d: dirent %q: cycle back to already-visited inode %d", dir.Ino, d.Name, entry.Ino)
				return true
			}
			visited[entry.Ino] = true
			walkDir(fsys, entry, r, visited)
		} else {
			r.files++
		}
		return true
	})
	if err != nil {
		r.flag("dir %d: readdir failed: %v", dir.Ino, err)
		return
	}

	wantLinks := uint16(2 + childDirs)
	if dir.Inode.LinksCount != wantLinks {
		r.flag("dir %d: link count %d, expected %d (2 + %d child director%s)",
			dir.Ino, dir.Inode.LinksCount, wantLinks, childDirs, plural(childDirs))
	}
}

func fileType(mode uint16) uint8 {
	switch mode & layout.ModeFmt {
	case layout.ModeDir:
		return layout.FTDir
	case layout.ModeSymlnk:
		return layout.FTSymlink
	default:
		return layout.FTRegFile
	}
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
