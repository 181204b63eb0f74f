package depcache

import (
	"encoding/json"
	"path/filepath"

	"github.com/rsalesc/rbx-grading/src/cacher"
	"github.com/rsalesc/rbx-grading/src/digest"
	"github.com/rsalesc/rbx-grading/src/grading"
)

// keyInput is the serializable shape hashed to produce a cache key: the
// commands and a transformed view of every manifest that strips away
// everything that shouldn't affect whether a previous execution can be
// reused (produced digest values, host destination paths of hashed
// outputs, run/preprocess logs) while still distinguishing inputs that
// resolve to different blobs.
type keyInput struct {
	Commands    []string       `json:"commands"`
	Artifacts   []keyArtifact  `json:"artifacts"`
	ExtraParams map[string]any `json:"extra_params"`
}

type keyArtifact struct {
	Root    string          `json:"root"`
	Inputs  []keyInputFile  `json:"inputs"`
	Outputs []keyOutputFile `json:"outputs"`
	Fifos   []grading.Fifo  `json:"fifos"`
}

type keyInputFile struct {
	Dest       string `json:"dest"`
	Src        string `json:"src,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Executable bool   `json:"executable"`
	Hash       bool   `json:"hash"`
}

type keyOutputFile struct {
	Src          string `json:"src"`
	Dest         string `json:"dest,omitempty"`
	HasDigest    bool   `json:"has_digest"`
	Executable   bool   `json:"executable"`
	Optional     bool   `json:"optional"`
	Intermediate bool   `json:"intermediate"`
	Hash         bool   `json:"hash"`
	Touch        bool   `json:"touch"`
	MaxLen       int64  `json:"max_len"`
}

func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// buildKeyInput mirrors the original's _build_cache_input: a deep,
// side-effect-free transform of the manifest list into the shape that
// actually determines cache identity.
func buildKeyInput(c *cacher.Cacher, commands []string, manifests []*grading.Manifest, extraParams map[string]any) keyInput {
	artifacts := make([]keyArtifact, 0, len(manifests))
	for _, m := range manifests {
		ka := keyArtifact{Root: m.Root, Fifos: m.Fifos}
		for _, in := range m.Inputs {
			ki := keyInputFile{
				Dest:       in.Dest,
				Digest:     in.Digest,
				Executable: in.Executable,
				Hash:       in.Hash,
			}
			if in.Src != "" {
				if d, ok := c.DigestFromSymlink(resolvePath(m.Root, in.Src)); ok {
					ki.Digest = d
				} else {
					ki.Src = in.Src
				}
			}
			ka.Inputs = append(ka.Inputs, ki)
		}
		for _, out := range m.Outputs {
			ko := keyOutputFile{
				Src:          out.Src,
				HasDigest:    out.Digest != nil,
				Executable:   out.Executable,
				Optional:     out.Optional,
				Intermediate: out.Intermediate,
				Hash:         out.Hash,
				Touch:        out.Touch,
				MaxLen:       out.MaxLen,
			}
			if !out.Hash {
				ko.Dest = out.Dest
			}
			ka.Outputs = append(ka.Outputs, ko)
		}
		artifacts = append(artifacts, ka)
	}
	return keyInput{Commands: commands, Artifacts: artifacts, ExtraParams: extraParams}
}

// cacheKey hashes a keyInput into the SHA-1 hex digest used as its cache
// entry's identity.
func cacheKey(c *cacher.Cacher, commands []string, manifests []*grading.Manifest, extraParams map[string]any) (string, error) {
	input := buildKeyInput(c, commands, manifests, extraParams)
	b, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return digest.OfBytes(b), nil
}
