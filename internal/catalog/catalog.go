// Package catalog walks an aports checkout and loads every APKBUILD it
// finds via the fast-path evaluator (spec §9 option b), the same
// read-only metadata scan the spec singles out for repo_missing-style
// whole-tree operations where shelling out per recipe would dominate
// runtime. The build verb re-evaluates its target through
// internal/recipe.Evaluate (option a) only when the native chroot is
// already mounted; the catalog-wide load never does.
package catalog

import (
	"os"
	"path/filepath"

	"github.com/apex/log"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/recipe"
)

// Load walks root (an aports tree, one APKBUILD per leaf directory,
// grouped under category subdirectories as in pmaports/aports) and parses
// every APKBUILD it finds. A single recipe failing to parse is logged and
// skipped rather than aborting the whole scan, matching ParseFast's own
// "best-effort over a large tree" contract.
func Load(root string, logger log.Interface) ([]recipe.APKBUILD, error) {
	if logger == nil {
		logger = log.Log
	}

	var out []recipe.APKBUILD
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() != "APKBUILD" {
			return nil
		}
		dir := filepath.Dir(path)
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.WithField("dir", dir).WithError(err).Warn("catalog: skipping unreadable APKBUILD")
			return nil
		}
		rec, err := recipe.ParseFast(string(raw), dir)
		if err != nil {
			logger.WithField("dir", dir).WithError(err).Warn("catalog: skipping unparsable APKBUILD")
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, pmberrors.Wrapf(err, pmberrors.KindConfigInvalid, "walking aports tree %s", root)
	}
	return out, nil
}
