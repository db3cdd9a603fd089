package pebblestore

import (
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// load decodes the value at key into v. It reports false when key is absent.
func load(r getter, key []byte, v any) (bool, error) {
	val, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to read %s", key)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, errors.Wrapf(err, "failed to decode %s", key)
	}
	return true, nil
}
