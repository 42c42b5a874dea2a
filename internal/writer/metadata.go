package writer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// MetaSuffix is appended to a clip name to form its sidecar name
const MetaSuffix = ".meta"

// MetaName returns the sidecar name for a clip
func MetaName(clipName string) string {
	return clipName + MetaSuffix
}

// EncodeClipMeta serializes clip metadata as msgpack
func EncodeClipMeta(meta types.ClipMeta) ([]byte, error) {
	data, err := msgpack.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("encode clip meta: %w", err)
	}
	return data, nil
}

// DecodeClipMeta parses a sidecar written by EncodeClipMeta
func DecodeClipMeta(data []byte) (types.ClipMeta, error) {
	var meta types.ClipMeta
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return types.ClipMeta{}, fmt.Errorf("decode clip meta: %w", err)
	}
	return meta, nil
}
