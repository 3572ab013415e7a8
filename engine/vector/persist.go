package vector

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/plexara/fusegraph/engine/domain"
)

const (
	arenaFile = "vectors.bin"
	mapFile   = "vectors.map.json"

	arenaMagic   = "FGVX"
	arenaVersion = uint32(1)
)

// persister owns the on-disk layout: an append-only arena file of raw
// little-endian float32 records behind a fixed header, and a sidecar JSON
// file holding the liveness map and the next id. The arena is only ever
// appended to; the sidecar is rewritten atomically on every mutation.
type persister struct {
	dir   string
	arena *os.File
}

// sidecar is the serialized form of the liveness state.
type sidecar struct {
	IDMap  map[int64]string `json:"id_map"`
	NextID int64            `json:"next_id"`
}

func newPersister(dir string) *persister {
	return &persister{dir: dir}
}

func (p *persister) arenaPath() string { return filepath.Join(p.dir, arenaFile) }
func (p *persister) mapPath() string   { return filepath.Join(p.dir, mapFile) }

// load restores index state. Both files absent means an empty index and the
// arena file is created with its header; exactly one present is corruption.
func (p *persister) load(ix *Index) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("vector: mkdir %s: %w", p.dir, err)
	}

	_, arenaErr := os.Stat(p.arenaPath())
	_, mapErr := os.Stat(p.mapPath())
	arenaExists := arenaErr == nil
	mapExists := mapErr == nil

	if arenaExists != mapExists {
		return fmt.Errorf("vector: %s: one of %s/%s is missing: %w",
			p.dir, arenaFile, mapFile, domain.ErrIndexInconsistent)
	}

	if !arenaExists {
		return p.initEmpty(ix)
	}
	return p.restore(ix)
}

func (p *persister) initEmpty(ix *Index) error {
	f, err := os.OpenFile(p.arenaPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("vector: create arena: %w", err)
	}
	hdr := make([]byte, 12)
	copy(hdr, arenaMagic)
	binary.LittleEndian.PutUint32(hdr[4:], arenaVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(ix.dim))
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return fmt.Errorf("vector: write arena header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("vector: sync arena: %w", err)
	}
	p.arena = f
	return p.saveMap(ix.idMap, ix.nextID)
}

func (p *persister) restore(ix *Index) error {
	f, err := os.OpenFile(p.arenaPath(), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("vector: open arena: %w", err)
	}

	hdr := make([]byte, 12)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return fmt.Errorf("vector: read arena header: %w", domain.ErrIndexInconsistent)
	}
	if string(hdr[:4]) != arenaMagic || binary.LittleEndian.Uint32(hdr[4:]) != arenaVersion {
		f.Close()
		return fmt.Errorf("vector: bad arena header: %w", domain.ErrIndexInconsistent)
	}
	if dim := int(binary.LittleEndian.Uint32(hdr[8:])); dim != ix.dim {
		f.Close()
		return fmt.Errorf("vector: arena dimension %d, configured %d: %w", dim, ix.dim, domain.ErrIndexInconsistent)
	}

	side, err := p.loadMap()
	if err != nil {
		f.Close()
		return err
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("vector: read arena: %w", err)
	}
	recSize := ix.dim * 4
	stored := len(raw) / recSize

	// An append that landed before the sidecar update is invisible state:
	// drop the tail. The reverse (sidecar ahead of the arena) is unrecoverable.
	if int64(stored) < side.NextID {
		f.Close()
		return fmt.Errorf("vector: arena holds %d records, sidecar expects %d: %w",
			stored, side.NextID, domain.ErrIndexInconsistent)
	}
	if int64(stored) > side.NextID {
		stored = int(side.NextID)
		if err := f.Truncate(int64(12 + stored*recSize)); err != nil {
			f.Close()
			return fmt.Errorf("vector: truncate torn tail: %w", err)
		}
	}

	ix.arena = make([]float32, stored*ix.dim)
	for i := range ix.arena {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		ix.arena[i] = math.Float32frombits(bits)
	}
	ix.idMap = side.IDMap
	if ix.idMap == nil {
		ix.idMap = make(map[int64]string)
	}
	ix.nextID = side.NextID

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("vector: seek arena end: %w", err)
	}
	p.arena = f
	return nil
}

func (p *persister) loadMap() (sidecar, error) {
	var side sidecar
	data, err := os.ReadFile(p.mapPath())
	if err != nil {
		return side, fmt.Errorf("vector: read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &side); err != nil {
		return side, fmt.Errorf("vector: decode sidecar: %w", domain.ErrIndexInconsistent)
	}
	return side, nil
}

// appendVector writes one normalized record to the arena and syncs.
func (p *persister) appendVector(vec []float32) error {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := p.arena.Write(buf); err != nil {
		return err
	}
	return p.arena.Sync()
}

// truncateTo shrinks the arena file back to the given record count and
// repositions the write offset at its end.
func (p *persister) truncateTo(records, dim int) error {
	off := int64(12 + records*dim*4)
	if err := p.arena.Truncate(off); err != nil {
		return err
	}
	_, err := p.arena.Seek(off, io.SeekStart)
	return err
}

// saveMap atomically rewrites the sidecar (temp file + rename).
func (p *persister) saveMap(idMap map[int64]string, nextID int64) error {
	data, err := json.Marshal(sidecar{IDMap: idMap, NextID: nextID})
	if err != nil {
		return err
	}
	tmp := p.mapPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.mapPath())
}

func (p *persister) close() error {
	if p.arena == nil {
		return nil
	}
	err := p.arena.Close()
	p.arena = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
