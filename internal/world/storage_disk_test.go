package world

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskBlockStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.bin")

	storage, err := newDiskBlockStorage(path)
	if err != nil {
		t.Fatalf("newDiskBlockStorage: %v", err)
	}
	column := []Block{NewBlock(MaterialStone), NewBlock(MaterialDirt), NewBlock("oak_log")}
	column[2].Metadata = map[string]any{"felling": "abc"}
	if err := storage.SaveColumn(3, column); err != nil {
		t.Fatalf("SaveColumn: %v", err)
	}
	if err := storage.SaveColumn(4, column[:1]); err != nil {
		t.Fatalf("SaveColumn: %v", err)
	}
	if err := storage.Delete(4); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := newDiskBlockStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, ok, err := reopened.LoadColumn(3)
	if err != nil || !ok {
		t.Fatalf("LoadColumn: ok=%v err=%v", ok, err)
	}
	if len(loaded) != 3 || loaded[2].Material != "oak_log" || loaded[2].Metadata["felling"] != "abc" {
		t.Fatalf("unexpected column %+v", loaded)
	}
	if _, ok, _ := reopened.LoadColumn(4); ok {
		t.Fatalf("deleted column came back")
	}

	var seen []int
	if err := reopened.ForEach(func(index int, _ []Block) bool {
		seen = append(seen, index)
		return true
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != 1 || seen[0] != 3 {
		t.Fatalf("unexpected indices %v", seen)
	}
}

func TestDiskBlockStorageCompressesPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.bin")
	storage, err := newDiskBlockStorage(path)
	if err != nil {
		t.Fatalf("newDiskBlockStorage: %v", err)
	}
	defer storage.Close()

	column := make([]Block, 64)
	for i := range column {
		column[i] = NewBlock(MaterialStone)
	}
	if err := storage.SaveColumn(0, column); err != nil {
		t.Fatalf("SaveColumn: %v", err)
	}

	storage.mu.RLock()
	meta := storage.records[0]
	storage.mu.RUnlock()

	header := make([]byte, 9)
	if _, err := storage.file.ReadAt(header, meta.offset); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header[0] != diskOpSetZstd {
		t.Fatalf("expected compressed record, got op %d", header[0])
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// 64 identical stone blocks compress far below one kilobyte.
	if info.Size() > 1024 {
		t.Fatalf("chunk file unexpectedly large: %d bytes", info.Size())
	}
}

func TestDiskStorageProviderLaysOutChunkFiles(t *testing.T) {
	dir := t.TempDir()
	region := testRegion()
	provider := NewDiskStorageProvider(dir, region)

	bounds, _ := region.ChunkBounds(ChunkCoord{X: 1, Y: 1})
	storage, err := provider.NewStorage(ChunkCoord{X: 1, Y: 1}, bounds, region.ChunkDimension)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer storage.Close()

	if _, err := os.Stat(filepath.Join(dir, "1", "1", "chunk04.bin")); err != nil {
		t.Fatalf("expected chunk file: %v", err)
	}
	if _, err := provider.NewStorage(ChunkCoord{X: 5, Y: 5}, bounds, region.ChunkDimension); err == nil {
		t.Fatalf("expected error for chunk outside region")
	}
}
