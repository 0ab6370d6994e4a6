package artifact

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestFormatTitleID(t *testing.T) {
	require.Equal(t, "0005000010101C00", FormatTitleID(0x0005000010101c00))
	require.Equal(t, "0000000000000001", FormatTitleID(1))
}

func TestParseTitleID(t *testing.T) {
	id, err := ParseTitleID("0x0005000010101c00")
	require.NoError(t, err)
	require.Equal(t, uint64(0x0005000010101c00), id)

	id, err = ParseTitleID("ABC")
	require.NoError(t, err)
	require.Equal(t, uint64(0xabc), id)

	for _, bad := range []string{"", "0x", "xyz", "00050000101010C000"} {
		_, err := ParseTitleID(bad)
		require.Error(t, err, bad)
	}
}

func TestLocatorPaths(t *testing.T) {
	locator := NewLocator(afero.NewMemMapFs(), "", 0x0005000010101c00)
	require.Equal(t, "/vol/external01/cafeloader/0005000010101C00", locator.TitleDir())
	require.Equal(t, "/vol/external01/cafeloader/0005000010101C00/Patches.hax", locator.TitlePath(Patches))
	require.Equal(t, "/vol/external01/cafeloader/ip.bin", locator.RootPath(Peer))
}

func TestLocatorExistsAndRead(t *testing.T) {
	fsys := afero.NewMemMapFs()
	locator := NewLocator(fsys, "/sd/cafeloader", 0x10)

	require.NoError(t, afero.WriteFile(fsys, locator.TitlePath(Addr), []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0o644))
	require.NoError(t, afero.WriteFile(fsys, locator.TitlePath(Code), []byte{9}, 0o644))
	require.NoError(t, fsys.MkdirAll(locator.TitlePath(Data), 0o755))

	require.True(t, locator.Exists(locator.TitlePath(Addr)))
	require.False(t, locator.Exists(locator.TitlePath(Data)), "directories are not artifacts")
	require.False(t, locator.AllExist(locator.TitlePath(Addr), locator.TitlePath(Code), locator.TitlePath(Data)))
	require.True(t, locator.AllExist(locator.TitlePath(Addr), locator.TitlePath(Code)))

	b, err := locator.ReadFile(locator.TitlePath(Code))
	require.NoError(t, err)
	require.Equal(t, []byte{9}, b)

	_, err = locator.ReadFile(locator.TitlePath(Patches))
	require.ErrorIs(t, err, ErrMissing)
}
