package filemanager

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndFetch(t *testing.T) {
	fm, err := NewFileManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fm.AddFile("topic/0/log0.txt"))
	n, err := fm.CountLines("topic/0/log0.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i, msg := range []string{"a", "b", "c"} {
		line, err := fm.Append("topic/0/log0.txt", []byte(msg))
		require.NoError(t, err)
		assert.Equal(t, i+1, line)
	}

	var got []string
	err = fm.FetchLines("topic/0/log0.txt", 2, func(line int, data []byte) {
		got = append(got, string(data))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestCountLinesExistingFile(t *testing.T) {
	root := t.TempDir()
	fm, err := NewFileManager(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fm.Path("old.txt"), []byte("x\ny\n"), 0644))

	n, err := fm.CountLines("old.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	line, err := fm.Append("old.txt", []byte("z"))
	require.NoError(t, err)
	assert.Equal(t, 3, line)
}

func TestRemoveFolder(t *testing.T) {
	fm, err := NewFileManager(t.TempDir())
	require.NoError(t, err)

	_, err = fm.Append("p/1/log0.txt", []byte("x"))
	require.Error(t, err)

	_, err = fm.AddFolder("p/1")
	require.NoError(t, err)
	_, err = fm.Append("p/1/log0.txt", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, fm.RemoveFolder("p"))
	_, err = os.Stat(fm.Path("p/1"))
	assert.True(t, os.IsNotExist(err))

	n, err := fm.CountLines("p/1/log0.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
