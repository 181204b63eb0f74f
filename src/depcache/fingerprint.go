package depcache

import (
	"os"

	"github.com/rsalesc/rbx-grading/src/cacher"
	"github.com/rsalesc/rbx-grading/src/digest"
	"github.com/rsalesc/rbx-grading/src/grading"
)

// fingerprint is the state of a manifest list that is deliberately left
// out of the cache key (for key-size/efficiency reasons) but is still
// necessary to decide whether a hit is trustworthy: the digests of
// hashed-output artifacts, content hashes of plain-filesystem hashed
// inputs, content hashes of non-hashed host-destination outputs, and the
// execution logs to restore on a hit.
type fingerprint struct {
	Digests            []string        `json:"digests"`
	Fingerprints       []string        `json:"fingerprints"`
	OutputFingerprints []string        `json:"output_fingerprints"`
	Logs               []*grading.Logs `json:"logs"`
}

// digestOutput pairs an output carrying a digest holder with the root
// used to resolve its Dest, since OutputFile itself doesn't know its
// owning manifest.
type digestOutput struct {
	Root string
	Out  *grading.OutputFile
}

// ensureOutputDigestHolders assigns a fresh, empty digest holder to every
// hashed output that doesn't already carry one, mutating the manifests in
// place. Must run before the body of a Do call so that body's own output
// harvesting populates these same holders.
func ensureOutputDigestHolders(manifests []*grading.Manifest) {
	for _, m := range manifests {
		for i := range m.Outputs {
			if m.Outputs[i].Hash && m.Outputs[i].Digest == nil {
				m.Outputs[i].Digest = &digest.Holder{}
			}
		}
	}
}

// checkDigests validates that no single digest holder is the cache target
// of more than one output across the manifest list. The original also
// validates consumer inputs against not-yet-produced holders shared by
// reference with an earlier manifest's output; this module's InputFile
// instead always carries an already-resolved digest string (or a host
// Src), so that half of the check doesn't apply here: callers are
// responsible for copying a producer's harvested digest into a
// consumer's InputFile.Digest before chaining manifests through Do.
func checkDigests(manifests []*grading.Manifest) error {
	produced := make(map[*digest.Holder]bool)
	for _, m := range manifests {
		for i := range m.Outputs {
			out := &m.Outputs[i]
			if out.Digest == nil || out.Digest.IsSet() {
				continue
			}
			if produced[out.Digest] {
				return errNonUniqueDigestHolder
			}
			produced[out.Digest] = true
		}
	}
	return nil
}

func outputsWithDigest(manifests []*grading.Manifest) []digestOutput {
	var res []digestOutput
	for _, m := range manifests {
		for i := range m.Outputs {
			if m.Outputs[i].Digest != nil {
				res = append(res, digestOutput{Root: m.Root, Out: &m.Outputs[i]})
			}
		}
	}
	return res
}

func logsManifests(manifests []*grading.Manifest) []*grading.Manifest {
	var res []*grading.Manifest
	for _, m := range manifests {
		if m.Logs != nil {
			res = append(res, m)
		}
	}
	return res
}

func buildFingerprint(manifests []*grading.Manifest, c *cacher.Cacher) (*fingerprint, error) {
	outs := outputsWithDigest(manifests)
	digests := make([]string, len(outs))
	for i, do := range outs {
		digests[i] = do.Out.Digest.Value
	}

	var fingerprints []string
	for _, m := range manifests {
		for _, in := range m.Inputs {
			if in.Src == "" || !in.Hash {
				continue
			}
			resolved := resolvePath(m.Root, in.Src)
			if _, ok := c.DigestFromSymlink(resolved); ok {
				continue
			}
			d, err := digest.OfFile(resolved)
			if err != nil {
				return nil, err
			}
			fingerprints = append(fingerprints, d)
		}
	}

	var outputFingerprints []string
	for _, m := range manifests {
		for _, out := range m.Outputs {
			if out.Dest == "" || out.Intermediate || out.Hash {
				continue
			}
			dest := resolvePath(m.Root, out.Dest)
			if info, err := os.Stat(dest); err != nil || info.IsDir() {
				outputFingerprints = append(outputFingerprints, "")
				continue
			}
			d, err := digest.OfFile(dest)
			if err != nil {
				return nil, err
			}
			outputFingerprints = append(outputFingerprints, d)
		}
	}

	var logs []*grading.Logs
	for _, m := range logsManifests(manifests) {
		logs = append(logs, m.Logs)
	}

	return &fingerprint{
		Digests:            digests,
		Fingerprints:       fingerprints,
		OutputFingerprints: outputFingerprints,
		Logs:               logs,
	}, nil
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
