/*
Package main 读取配置文件, 然后为其中的每个监听器 运行 mesona 中继.

命令行参数请使用 --help / -h 查看详情, 配置文件示例请参考 ../../examples/ .
*/
package main

import (
	"flag"
	"log"
	"os"
	"runtime/debug"

	"github.com/e1732a364fed/mesona/machine"
	"github.com/e1732a364fed/mesona/utils"
	"github.com/pkg/profile"
	"go.uber.org/zap"
)

var (
	configFileName string
	startMProf     bool
	onlyVersion    bool
)

const (
	defaultConfFn = "mesona.toml"

	willExitStr = "No listener started. Exit now.\n"
)

func init() {
	flag.StringVar(&configFileName, "c", defaultConfFn, "config file name")
	flag.BoolVar(&startMProf, "mp", false, "memory pprof")
	flag.BoolVar(&onlyVersion, "v", false, "print the version string then exit")

	flag.IntVar(&utils.LogLevel, "ll", utils.DefaultLL, "log level,0=debug, 1=info, 2=warning, 3=error, 4=fatal")
	flag.StringVar(&utils.LogOutFileName, "lf", "", "output file for log; If empty, no log file will be used.")
	flag.StringVar(&utils.ExtraSearchPath, "path", "", "search path for config, certificate and crl files")
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() (result int) {
	m := machine.New()

	defer func() {
		if r := recover(); r != nil {
			if ce := utils.CanLogErr("Captured panic!"); ce != nil {
				stackStr := string(debug.Stack())
				ce.Write(
					zap.Any("err:", r),
					zap.String("stacktrace", stackStr),
				)
				log.Println(stackStr) //zap 会转义多行字符串里的换行符, 所以 stack 再用 log 单独打印一遍
			} else {
				log.Println("panic captured!", r, "\n", string(debug.Stack()))
			}

			result = -3
			m.Stop()
		}
	}()

	utils.ParseFlags()

	printVersion(os.Stdout)
	if onlyVersion {
		return
	}

	if startMProf {
		//若不使用 NoShutdownHook, 则 我们ctrl+c退出时不会产生 pprof文件
		p := profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook)
		defer p.Stop()
	}

	//[app] 中的日志设置 要在 InitLog 之前应用
	loadConfigErr := m.LoadConfigFile(configFileName)

	utils.InitLog("Program started")
	defer utils.Info("Program exited")

	if wdir, err := os.Getwd(); err == nil {
		if ce := utils.CanLogInfo("Working at"); ce != nil {
			ce.Write(zap.String("dir", wdir))
		}
	}
	if ce := utils.CanLogDebug("All Given Flags"); ce != nil {
		ce.Write(zap.Any("flags", utils.GivenFlagKVs()))
	}

	if loadConfigErr != nil {
		if ce := utils.CanLogErr("load config failed"); ce != nil {
			ce.Write(zap.String("file", configFileName), zap.Error(loadConfigErr))
		} else {
			log.Println("load config failed", configFileName, loadConfigErr)
		}
		return -1
	}

	if ce := utils.CanLogInfo("Options"); ce != nil {
		ce.Write(zap.String("Log Level", utils.LogLevelStr(utils.LogLevel)))
	}

	m.LoadListenConf(false)

	if err := m.Start(); err != nil {
		if ce := utils.CanLogErr(willExitStr); ce != nil {
			ce.Write(zap.Error(err))
		} else {
			log.Print(willExitStr)
		}
		return -1
	}

	<-utils.GetSystemKillChan()
	utils.Info("Program got close signal.")

	if ce := utils.CanLogInfo("final stats"); ce != nil {
		st := m.AllStats()
		ce.Write(
			zap.Uint64("accepted", st.Accepted),
			zap.Uint64("failed", st.Failed),
			zap.Uint64("bytesToServer", st.BytesToServer),
			zap.Uint64("bytesToClient", st.BytesToClient),
		)
	}
	m.Stop()
	return
}
