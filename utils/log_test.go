package utils

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestZaplog(t *testing.T) {

	LogLevel = Log_info
	InitLog("")

	if ce := CanLogDebug("test1"); ce != nil {
		t.Fatal("debug entry should be filtered at info level")
	}

	if ce := CanLogInfo("test2"); ce != nil {
		ce.Write(
			zap.Uint32("uid", 32),
			zap.Error(errors.New("asdfdsf")),
		)
	} else {
		t.Fatal("info entry should pass at info level")
	}
}

func TestZaplogToFile(t *testing.T) {
	old := LogOutFileName
	defer func() {
		LogOutFileName = old
		InitLog("")
	}()

	LogLevel = Log_debug
	LogOutFileName = filepath.Join(t.TempDir(), "mesona.log")
	InitLog("log to file")

	if ce := CanLogDebug("file entry"); ce != nil {
		ce.Write(zap.Int("n", 1))
	}
	require.NoError(t, ZapLogger.Sync())
	require.True(t, FileExist(LogOutFileName))
}
