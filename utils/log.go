// Package utils provides utilities that is used in all sub-packages in mesona
package utils

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	Log_debug = iota
	Log_info
	Log_warning
	Log_error //error一般用于输出一些 连接错误或者握手失败之类的, 但不致命
	Log_fatal

	DefaultLL = Log_info
)

// LogLevel 值越小越唠叨, 废话越多，值越大打印的越少，见log_开头的常量;
// 默认是 info级别.
var (
	LogLevel  int = DefaultLL
	ZapLogger *zap.Logger

	//若为空，则只输出到 stdout
	LogOutFileName string

	//日志文件的轮转参数, 单位分别为 MB, 个, 天
	LogFileMaxSize    = 32
	LogFileMaxBackups = 4
	LogFileMaxAge     = 28
)

func init() {
	ZapLogger = zap.NewNop()
}

func LogLevelStr(lvl int) string {
	return zapcore.Level(lvl - 1).String()
}

// InitLog 会根据 LogLevel 和 LogOutFileName 重新初始化 ZapLogger.
// 文件输出使用 lumberjack 进行轮转。
func InitLog(firstMsg string) {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(LogLevel - 1))

	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.AddSync(os.Stdout), atomicLevel)

	if LogOutFileName == "" {
		ZapLogger = zap.New(consoleCore)
	} else {
		//文件里不要颜色
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			TimeKey:     "time",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			EncodeTime:  zapcore.ISO8601TimeEncoder,
			LineEnding:  zapcore.DefaultLineEnding,
		}), zapcore.AddSync(&lumberjack.Logger{
			Filename:   LogOutFileName,
			MaxSize:    LogFileMaxSize,
			MaxBackups: LogFileMaxBackups,
			MaxAge:     LogFileMaxAge,
		}), atomicLevel)

		ZapLogger = zap.New(zapcore.NewTee(consoleCore, fileCore))
	}

	if firstMsg != "" {
		ZapLogger.Info(firstMsg)
	}
}

func CanLogLevel(l int, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(zapcore.Level(l-1), msg)
}

func canLogLevel(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(l, msg)
}

func CanLogErr(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.ErrorLevel, msg)
}

func CanLogInfo(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.InfoLevel, msg)
}

func CanLogWarn(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.WarnLevel, msg)
}

func CanLogDebug(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.DebugLevel, msg)
}

func Info(msg string) {
	ZapLogger.Info(msg)
}

func Warn(msg string) {
	ZapLogger.Warn(msg)
}

func Debug(msg string) {
	ZapLogger.Debug(msg)
}
