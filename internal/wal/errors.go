package wal

import (
	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/internal/util"
)

var errWALCorrupt = util.ErrWALCorrupt

// wrapCorrupt annotates util.ErrWALCorrupt with call-site context (segment
// path, offset) the way the pkg/errors-based deeper WAL/replication call
// chains do throughout this package.
func wrapCorrupt(format string, args ...interface{}) error {
	return errors.Wrapf(errWALCorrupt, format, args...)
}
