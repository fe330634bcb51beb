package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilePathSkipsStandardStreams(t *testing.T) {
	assert.Empty(t, logFilePath(""))
	assert.Empty(t, logFilePath("stdout"))
	assert.Empty(t, logFilePath("stderr"))
	assert.Equal(t, "./logs/app.log", logFilePath("./logs"))
}

func TestInitWithStdoutCreatesNoDirectory(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	Init("info", "json", "stdout")

	_, err = os.Stat(filepath.Join(dir, "stdout"))
	assert.True(t, os.IsNotExist(err), "stdout 不应被当作目录创建")
}
