package xlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repmgrd.log")

	logger, err := Configure("DEBUG", "STDERR", path)
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.Level)

	logger.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestConfigureUnknownFacility(t *testing.T) {
	_, err := Configure("INFO", "BOGUS", "")
	require.Error(t, err)
}

func TestConfigureDefaultsToInfo(t *testing.T) {
	logger, err := Configure("", "", "")
	require.NoError(t, err)
	require.Equal(t, logrus.InfoLevel, logger.Level)
}
