package trained

import (
	"errors"
	"fmt"
	"os"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// readTokenEmbeddings loads the pivotal tuning embedding bundle, a torch
// pickle holding one tensor of inserted token rows per text encoder. The
// result is indexed by encoder position; a missing file returns nil, nil
// since not every bundle inserts tokens.
func readTokenEmbeddings(path string) ([][]float32, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	m, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", embeddingsFile, err)
	}

	entries, err := dictEntries(m)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", embeddingsFile, err)
	}

	out := make([][]float32, len(entries))
	for i, e := range entries {
		t, ok := e.value.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("parsing %s: entry %v is %T, want tensor", embeddingsFile, e.key, e.value)
		}

		rows, err := tensorFloats(t)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: entry %v: %w", embeddingsFile, e.key, err)
		}
		out[i] = rows
	}

	return out, nil
}

type dictEntry struct {
	key   any
	value any
}

func dictEntries(m any) ([]dictEntry, error) {
	switch d := m.(type) {
	case *types.Dict:
		entries := make([]dictEntry, 0, len(*d))
		for _, e := range *d {
			entries = append(entries, dictEntry{key: e.Key, value: e.Value})
		}
		return entries, nil
	case *types.OrderedDict:
		entries := make([]dictEntry, 0, d.List.Len())
		for el := d.List.Front(); el != nil; el = el.Next() {
			e := el.Value.(*types.OrderedDictEntry)
			entries = append(entries, dictEntry{key: e.Key, value: e.Value})
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("top-level object is %T, want dict", m)
	}
}

// tensorFloats flattens a pickled tensor to float32, honoring its storage
// offset.
func tensorFloats(t *pytorch.Tensor) ([]float32, error) {
	n := 1
	for _, d := range t.Size {
		n *= int(d)
	}

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		return sliceStorage(s.Data, int(t.StorageOffset), n)
	case *pytorch.HalfStorage:
		return sliceStorage(s.Data, int(t.StorageOffset), n)
	case *pytorch.DoubleStorage:
		f64s, err := sliceStorage(s.Data, int(t.StorageOffset), n)
		if err != nil {
			return nil, err
		}
		f32s := make([]float32, len(f64s))
		for i, v := range f64s {
			f32s[i] = float32(v)
		}
		return f32s, nil
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}
}

func sliceStorage[T any](data []T, offset, n int) ([]T, error) {
	if offset < 0 || offset+n > len(data) {
		return nil, fmt.Errorf("storage of %d values cannot hold %d at offset %d", len(data), n, offset)
	}
	return data[offset : offset+n], nil
}
