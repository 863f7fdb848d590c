package tilecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const metadataFile = "metadata.json"

// metadata is the on-disk form. fileList is the eviction order; tiles is the
// nested view the map widget reads.
type metadata struct {
	Tiles       Index    `json:"tiles"`
	FileList    []string `json:"fileList"`
	RunningSize int64    `json:"runningSize"`
}

func readMetadata(path string) (metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return metadata{}, err
	}
	var m metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return metadata{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func (c *Cache) persistLocked() error {
	m := metadata{
		Tiles:       c.tiles,
		FileList:    make([]string, 0, len(c.order)),
		RunningSize: c.total,
	}
	if m.Tiles == nil {
		m.Tiles = Index{}
	}
	for _, k := range c.order {
		m.FileList = append(m.FileList, k.String())
	}
	b, err := json.MarshalIndent(m, "", "\t")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	path := c.metadataPath()
	tmp, err := os.CreateTemp(filepath.Dir(path), metadataFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func sameIndex(a, b Index) bool {
	if len(a) != len(b) {
		return false
	}
	for z, axs := range a {
		bxs, ok := b[z]
		if !ok || len(axs) != len(bxs) {
			return false
		}
		for x, ays := range axs {
			bys, ok := bxs[x]
			if !ok || len(ays) != len(bys) {
				return false
			}
			for i := range ays {
				if ays[i] != bys[i] {
					return false
				}
			}
		}
	}
	return true
}
