// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package staging

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
)

// RemoveStale deletes the directories under root left behind by jobs of a
// previous process. Only entries named like job handles are touched. It
// returns the number of directories removed.
func RemoveStale(ctx context.Context, fs vfs.FS, root string) (int, error) {
	if err := fs.MkdirAll(root, 0755); err != nil {
		return 0, errors.Wrapf(err, "creating import directory %s", root)
	}
	names, err := fs.List(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "listing %s", root)
	}
	var removed int
	for _, name := range names {
		if _, err := uuid.Parse(name); err != nil {
			continue
		}
		path := fs.PathJoin(root, name)
		if err := fs.RemoveAll(path); err != nil {
			return removed, errors.Wrapf(err, "removing stale job directory %s", path)
		}
		removed++
	}
	if removed > 0 {
		log.Infof(ctx, "removed %d stale job directories under %s", removed, root)
	}
	return removed, nil
}
