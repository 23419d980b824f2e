// Package compilecache implements a content-addressed store for compiled
// artifacts, shared lock-free between workers on the same host.
package compilecache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/Harshith-10/sentinel-community/language"
)

// Key computes the cache key for one (language, compile config, source)
// combination: a SHA-256 over the language name, the full compile command
// line and the source bytes, newline separated.
func Key(lang *language.Descriptor, source []byte) string {
	h := sha256.New()
	h.Write([]byte(lang.Name))
	h.Write([]byte{'\n'})
	h.Write([]byte(lang.Compile.Command + " " + strings.Join(lang.Compile.Args, " ")))
	h.Write([]byte{'\n'})
	h.Write(source)
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultRoot returns the platform cache root directory.
func DefaultRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\temp\sentinel-cache`
	}
	return "/tmp/sentinel-cache"
}

// Cache is a directory-backed artifact store. Entries live under
// <root>/<language>/<key>/. Writes are best-effort; readers tolerate missing
// or partial entries and fall through to a recompile.
type Cache struct {
	root   string
	logger *zap.Logger
}

// New creates the cache rooted at dir.
func New(dir string, logger *zap.Logger) *Cache {
	return &Cache{root: filepath.Clean(dir), logger: logger}
}

func (c *Cache) entryDir(lang, key string) string {
	return filepath.Join(c.root, lang, key)
}

// Lookup copies cached artifacts for key into workspace and reports whether
// the entry was usable. The hit predicate is per language family: a file
// that is only present after a successful compile must exist.
func (c *Cache) Lookup(lang *language.Descriptor, key, workspace string) bool {
	fam := familyOf(lang.Name)
	if fam == familyNone {
		return false
	}
	dir := c.entryDir(lang.Name, key)

	var err error
	switch fam {
	case familyBinary:
		if !exists(filepath.Join(dir, binaryName)) {
			return false
		}
		err = copyFile(filepath.Join(dir, binaryName), filepath.Join(workspace, binaryName))
	case familyJVM:
		if !exists(filepath.Join(dir, jvmMarker)) {
			return false
		}
		err = copyTree(dir, workspace)
	case familyDist:
		if !exists(filepath.Join(dir, distMarker)) {
			return false
		}
		err = copyTree(filepath.Join(dir, distDir), filepath.Join(workspace, distDir))
	}
	if err != nil {
		c.logger.Warn("Compile cache read failed",
			zap.String("language", lang.Name), zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Store publishes the compile artifacts from workspace under key.
// Failures are logged and swallowed; the cache is an accelerator only.
func (c *Cache) Store(lang *language.Descriptor, key, workspace string) {
	fam := familyOf(lang.Name)
	if fam == familyNone {
		return
	}
	dir := c.entryDir(lang.Name, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Warn("Compile cache write failed", zap.String("key", key), zap.Error(err))
		return
	}

	var err error
	switch fam {
	case familyBinary:
		err = copyFile(filepath.Join(workspace, binaryName), filepath.Join(dir, binaryName))
	case familyJVM:
		err = copyGlob(workspace, dir, "*.class")
	case familyDist:
		err = copyTree(filepath.Join(workspace, distDir), filepath.Join(dir, distDir))
	}
	if err != nil {
		c.logger.Warn("Compile cache write failed",
			zap.String("language", lang.Name), zap.String("key", key), zap.Error(err))
	}
}

// Artifact layout per language family. The markers double as the hit
// predicate: they only exist after a successful compile wrote them.
const (
	binaryName = "program"
	jvmMarker  = "Main.class"
	distDir    = "dist"
)

var distMarker = filepath.Join("dist", "main.js")

type family int

const (
	familyNone family = iota
	familyBinary
	familyJVM
	familyDist
)

func familyOf(name string) family {
	switch name {
	case "c", "cpp", "rust", "go":
		return familyBinary
	case "java", "kotlin":
		return familyJVM
	case "typescript":
		return familyDist
	default:
		return familyNone
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
