package storage

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/rsalesc/rbx-grading/src/digest"
)

// CheckIntegrity walks every blob in the store, re-hashes its (decompressed)
// content and compares it against the filename digest. Mismatches are
// reported; if delete is true, mismatching blobs are also removed so that
// a subsequent run can re-populate them.
//
// This generalizes the per-lookup integrity guard described for the
// dependency cache to a whole-store sweep, the same relationship the
// grading engine this is based on draws between its per-file and
// whole-store integrity checks.
func (s *FilesystemStorage) CheckIntegrity(delete bool) ([]string, error) {
	digests, err := s.List()
	if err != nil {
		return nil, err
	}
	var bad []string
	var errs *multierror.Error
	for _, d := range digests {
		ok, err := s.checkOne(d)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}
		if !ok {
			bad = append(bad, d)
			if delete {
				if err := s.Delete(d); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: failed to delete: %w", d, err))
				}
			}
		}
	}
	return bad, errs.ErrorOrNil()
}

func (s *FilesystemStorage) checkOne(d string) (bool, error) {
	rc, err := s.GetFile(d)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	actual, err := digest.OfReader(rc)
	if err != nil {
		return false, err
	}
	return actual == d, nil
}
