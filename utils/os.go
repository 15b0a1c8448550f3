package utils

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

func GetSystemKillChan() <-chan os.Signal {
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM) //os.Kill cannot be trapped
	return osSignals
}

func FileExist(path string) bool {
	_, err := os.Lstat(path)
	return !os.IsNotExist(err)
}

// 额外的文件搜索目录, 一般是配置文件所在目录
var ExtraSearchPath string

// GetFilePath 按以下顺序查找文件:
//  0. 绝对路径直接返回
//  1. ExtraSearchPath
//  2. 可执行文件所在目录
//  3. 工作目录
//
// 都找不到则原样返回, 让调用者自己报错
func GetFilePath(fileName string) string {
	if fileName == "" || filepath.IsAbs(fileName) {
		return fileName
	}

	if ExtraSearchPath != "" {
		p := filepath.Join(ExtraSearchPath, fileName)
		if FileExist(p) {
			return p
		}
	}

	if execFile, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(execFile), fileName)
		if FileExist(p) {
			return p
		}
	}

	if workingDir, err := os.Getwd(); err == nil {
		p := filepath.Join(workingDir, fileName)
		if FileExist(p) {
			return p
		}
	}

	return fileName
}

func IsFlagGiven(name string) bool {
	_, ok := GivenFlags[name]
	return ok
}

// flag包有个奇葩的缺点, 没法一下子获取所有的已经配置的参数, 只能遍历；
// 如果我们有大量的参数需要判断是否给出过, 那么不如先提取到到map里。
func GetGivenFlags() (m map[string]*flag.Flag) {
	m = make(map[string]*flag.Flag)
	flag.Visit(func(f *flag.Flag) {
		m[f.Name] = f
	})

	return
}

var GivenFlags map[string]*flag.Flag

// call flag.Parse() and assign given flags to GivenFlags.
func ParseFlags() {
	flag.Parse()
	GivenFlags = GetGivenFlags()
}

// return kv pairs for GivenFlags
func GivenFlagKVs() (r map[string]string) {
	r = map[string]string{}

	for k, f := range GivenFlags {
		r[k] = f.Value.String()
	}
	return
}
