package hostset

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSet_RejectsEmpty(t *testing.T) {
	_, err := NewSet(nil)
	require.ErrorIs(t, err, ErrEmptyHostSet)
}

func TestSet_PreservesOrder(t *testing.T) {
	a := NewEndpoint(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	b := NewEndpoint(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2})

	set, err := NewSet([]Endpoint{a, b})
	require.NoError(t, err)

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.At(0).Equal(a))
	assert.True(t, set.At(1).Equal(b))
}

func TestEndpoint_EqualComparesFullAddress(t *testing.T) {
	a := NewEndpoint(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000})
	sameAddrDifferentPointer := NewEndpoint(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000})
	differentPort := NewEndpoint(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9001})

	assert.True(t, a.Equal(sameAddrDifferentPointer))
	assert.False(t, a.Equal(differentPort))
}

func TestParseFile_SkipsShortAndUnparseableLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	content := "127.0.0.1:9001\n" +
		"  127.0.0.1:9002  \n" +
		"\n" +
		"x\n" +
		"not-a-valid-entry\n" +
		"127.0.0.1:9003\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	endpoints, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, endpoints, 3)
	assert.Equal(t, "127.0.0.1:9001", endpoints[0].String())
	assert.Equal(t, "127.0.0.1:9002", endpoints[1].String())
	assert.Equal(t, "127.0.0.1:9003", endpoints[2].String())
}

func TestParseFile_EmptyFileYieldsEmptySlice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	require.NoError(t, os.WriteFile(path, []byte("\n\n"), 0o644))

	endpoints, err := ParseFile(path)
	require.NoError(t, err)
	assert.Empty(t, endpoints)

	_, setErr := NewSet(endpoints)
	require.ErrorIs(t, setErr, ErrEmptyHostSet)
}

func TestParseFile_MissingFileErrors(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
