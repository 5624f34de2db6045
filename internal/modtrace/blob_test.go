package modtrace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoangvhh/raw2trace/internal/diag"
)

func TestParseBlobCurrentVersionRoundTrip(t *testing.T) {
	mods := []ModuleInfo{
		{Path: "/usr/bin/app", ContainingIndex: 0, OrigBase: 0x400000, Contents: []byte("CODE"), ContentsSize: 4},
		{Path: "[vdso]", ContainingIndex: 1, OrigBase: 0x7fff0000},
	}
	blob := EncodeBlob(mods, [][]byte{nil, nil})

	got, hasCustom, err := ParseBlob(blob, Hooks{}, diag.New(nil, 0))
	require.NoError(t, err)
	require.True(t, hasCustom)
	require.Len(t, got, 2)

	require.Equal(t, mods[0].Path, got[0].Path)
	require.Equal(t, mods[0].OrigBase, got[0].OrigBase)
	require.Equal(t, mods[0].ContentsSize, got[0].ContentsSize)
	require.Equal(t, mods[0].Contents, got[0].Contents)

	require.Equal(t, mods[1].Path, got[1].Path)
	require.Equal(t, mods[1].OrigBase, got[1].OrigBase)
}

func TestParseBlobCurrentVersionContentsWithEmbeddedNewline(t *testing.T) {
	// The vdso image is the real-world case of raw contents containing a
	// literal 0x0a byte; a parser that pre-splits on "\n" would corrupt
	// both this module's contents and every module record after it.
	mods := []ModuleInfo{
		{Path: "[vdso]", ContainingIndex: 0, OrigBase: 0x7fff0000, Contents: []byte("A\nB\nC"), ContentsSize: 5},
		{Path: "/usr/bin/app", ContainingIndex: 1, OrigBase: 0x400000},
	}
	blob := EncodeBlob(mods, [][]byte{nil, nil})

	got, _, err := ParseBlob(blob, Hooks{}, diag.New(nil, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, mods[0].Contents, got[0].Contents)
	require.Equal(t, mods[0].ContentsSize, got[0].ContentsSize)
	require.Equal(t, "[vdso]", got[0].Path)
	require.Equal(t, mods[0].OrigBase, got[0].OrigBase)

	require.Equal(t, "/usr/bin/app", got[1].Path)
	require.Equal(t, mods[1].OrigBase, got[1].OrigBase)
}

func TestParseBlobLegacyNoCustomField(t *testing.T) {
	blob := []byte("/usr/lib/libc.so,0,0x7f0000000000\n")
	got, hasCustom, err := ParseBlob(blob, Hooks{}, diag.New(nil, 0))
	require.NoError(t, err)
	require.False(t, hasCustom)
	require.Len(t, got, 1)
	require.Equal(t, "/usr/lib/libc.so", got[0].Path)
	require.Equal(t, uint64(0x7f0000000000), got[0].OrigBase)
}

func TestParseBlobLegacyWithUserData(t *testing.T) {
	hooks := Hooks{
		ParseCustom: func(src []byte) (any, []byte, error) {
			// Consume a fixed 5-byte "user:" tag, return whatever's left.
			if len(src) < 5 || string(src[:5]) != "user:" {
				return nil, nil, nil
			}
			return "tag", src[5:], nil
		},
	}
	blob := []byte("user:/opt/app,0,0x1000\n")
	got, hasCustom, err := ParseBlob(blob, hooks, diag.New(nil, 0))
	require.NoError(t, err)
	require.False(t, hasCustom)
	require.Len(t, got, 1)
	require.Equal(t, "/opt/app", got[0].Path)
	require.Equal(t, "tag", got[0].UserData)
}

func TestParseBlobRejectsGarbage(t *testing.T) {
	_, _, err := ParseBlob([]byte("total garbage with no path\n"), Hooks{}, diag.New(nil, 0))
	require.Error(t, err)
}

func TestParseBlobSkipsBlankLines(t *testing.T) {
	blob := []byte("\n\nv#1,0,,/a,0,0x1000\n\n")
	got, _, err := ParseBlob(blob, Hooks{}, diag.New(nil, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
}
