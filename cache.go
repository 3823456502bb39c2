package squashfs

import "sync"

// runtime state that rides alongside a Superblock but is never part of the
// on-disk image: the root inode, the public<->internal inode number
// remapping, and the per-reader inode cache. Kept in its own file since
// super.go is purely the on-disk layout.
type superRuntime struct {
	rootIno  *Inode
	rootInoN uint64

	inoIdxL sync.RWMutex
	inoIdx  map[uint32]inodeRef

	metaL     sync.Mutex
	metaCache map[int64][]byte

	idTblOnce sync.Once
	idTbl     *idTable
	idTblErr  error
}

func (s *Superblock) runtime() *superRuntime {
	s.runtimeOnce.Do(func() {
		s.rt = &superRuntime{inoIdx: make(map[uint32]inodeRef), metaCache: make(map[int64][]byte)}
	})
	return s.rt
}

func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	rt := s.runtime()
	rt.inoIdxL.Lock()
	rt.inoIdx[ino] = ref
	rt.inoIdxL.Unlock()
}

func (s *Superblock) lookupInodeRefCache(ino uint32) (inodeRef, bool) {
	rt := s.runtime()
	rt.inoIdxL.RLock()
	ref, ok := rt.inoIdx[ino]
	rt.inoIdxL.RUnlock()
	return ref, ok
}
