// Package artifact resolves the files a title's patch set is made of.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	DefaultRoot = "/vol/external01/cafeloader"

	Patches = "Patches.hax"
	Addr    = "Addr.bin"
	Code    = "Code.bin"
	Data    = "Data.bin"
	Peer    = "ip.bin"
)

// ErrMissing marks an artifact that is not present. Callers treat it as
// "feature not in use", never as a failure.
var ErrMissing = errors.New("artifact: missing")

// FormatTitleID renders a title identifier as 16 uppercase hex digits.
func FormatTitleID(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

// ParseTitleID accepts 1 to 16 hex digits with an optional 0x prefix.
func ParseTitleID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("artifact: invalid title id %q", s)
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("artifact: invalid title id %q: %w", s, err)
	}
	return id, nil
}

// Locator maps artifact names to paths below Root and reads them from Fs.
type Locator struct {
	fs      afero.Fs
	root    string
	titleID uint64
}

func NewLocator(fsys afero.Fs, root string, titleID uint64) *Locator {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if root == "" {
		root = DefaultRoot
	}
	return &Locator{fs: fsys, root: root, titleID: titleID}
}

func (locator *Locator) TitleID() string {
	return FormatTitleID(locator.titleID)
}

func (locator *Locator) Root() string {
	return locator.root
}

// TitleDir is the per-title directory.
func (locator *Locator) TitleDir() string {
	return path.Join(locator.root, locator.TitleID())
}

// TitlePath resolves a per-title artifact.
func (locator *Locator) TitlePath(name string) string {
	return path.Join(locator.TitleDir(), name)
}

// RootPath resolves an artifact shared by every title.
func (locator *Locator) RootPath(name string) string {
	return path.Join(locator.root, name)
}

// Exists reports whether p is present as a regular file.
func (locator *Locator) Exists(p string) bool {
	info, err := locator.fs.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// AllExist reports whether every path is present.
func (locator *Locator) AllExist(paths ...string) bool {
	for _, p := range paths {
		if !locator.Exists(p) {
			return false
		}
	}
	return true
}

// ReadFile reads the whole artifact. A file that does not exist yields an
// error matching ErrMissing.
func (locator *Locator) ReadFile(p string) ([]byte, error) {
	b, err := afero.ReadFile(locator.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, p)
		}
		return nil, fmt.Errorf("artifact: read %s: %w", p, err)
	}
	return b, nil
}
