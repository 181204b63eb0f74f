package grading

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/rsalesc/rbx-grading/src/sandbox"
)

// whichCache memoizes exec.LookPath results for which, so that repeated
// lookups of the same name don't touch PATH every time. which is used to
// locate clang for the bits/stdc++.h probe; the leader executable of a
// command line is not resolved through it and runs under the name given.
var (
	whichMu    sync.Mutex
	whichCache = map[string]string{}
)

func which(name string) (string, error) {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}
	whichMu.Lock()
	defer whichMu.Unlock()
	if p, ok := whichCache[name]; ok {
		return p, nil
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	whichCache[name] = p
	return p, nil
}

// globPrefix marks a command-line token as a glob pattern to expand
// against the sandbox's materialized files, rather than a literal word.
const globPrefix = "@glob:"

// splitAndExpand tokenizes a shell-style command line, expands any
// "@glob:<pattern>" token into the sorted list of sandbox-relative paths
// it matches, and substitutes "{memory}"/"{initialMemory}" in every
// token with the Java-style heap sizing derived from addressSpaceMB (0
// meaning unbounded).
func splitAndExpand(sb *sandbox.Sandbox, commandLine string, addressSpaceMB int) ([]string, error) {
	tokens, err := shlex.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("grading: splitting command %q: %w", commandLine, err)
	}
	memory, initialMemory := javaHeapSizes(addressSpaceMB)

	var out []string
	for _, tok := range tokens {
		if strings.HasPrefix(tok, globPrefix) {
			pattern := strings.TrimPrefix(tok, globPrefix)
			matches, err := sb.Glob(pattern)
			if err != nil {
				return nil, err
			}
			sort.Strings(matches)
			out = append(out, matches...)
			continue
		}
		tok = strings.ReplaceAll(tok, "{memory}", fmt.Sprint(memory))
		tok = strings.ReplaceAll(tok, "{initialMemory}", fmt.Sprint(initialMemory))
		out = append(out, tok)
	}
	return out, nil
}

// javaHeapSizes computes the {memory}/{initialMemory} substitution
// values: the max heap defaults to the address space limit, or 2048 MB
// if unbounded; the initial heap is the smaller of 512 MB and 90% of the
// max heap.
func javaHeapSizes(addressSpaceMB int) (memory, initialMemory int) {
	memory = addressSpaceMB
	if memory <= 0 {
		memory = 2048
	}
	initialMemory = memory * 9 / 10
	if initialMemory > 512 {
		initialMemory = 512
	}
	return memory, initialMemory
}

// javaKotlinLaunchers is the set of leader executables recognized as
// needing an unbounded address space (the JVM manages its own heap
// limit via -Xmx, and RLIMIT_AS only gets in its way).
var javaKotlinLaunchers = map[string]bool{
	"java":    true,
	"javac":   true,
	"kotlin":  true,
	"kotlinc": true,
}

// isJavaKotlinLauncher reports whether the leader executable of command
// is a JVM launcher, by basename (ignoring any path and extension the
// resolved executable might carry).
func isJavaKotlinLauncher(command []string) bool {
	if len(command) == 0 {
		return false
	}
	base := filepath.Base(command[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return javaKotlinLaunchers[base]
}

// cCompilerNames is used to decide whether command-shaping steps specific
// to C/C++ compilers (sanitizer/macOS checks, bits/stdc++.h injection)
// apply to a given leader executable.
var cCompilerNames = map[string]bool{
	"gcc": true, "g++": true, "cc": true, "c++": true,
	"clang": true, "clang++": true,
}

func isCCompiler(command []string) bool {
	if len(command) == 0 {
		return false
	}
	return cCompilerNames[filepath.Base(command[0])]
}

func isClang(command []string) bool {
	if len(command) == 0 {
		return false
	}
	base := filepath.Base(command[0])
	return base == "clang" || base == "clang++"
}
