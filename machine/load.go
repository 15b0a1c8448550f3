package machine

import (
	"github.com/e1732a364fed/mesona"
	"github.com/e1732a364fed/mesona/config"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/zap"
)

// LoadConfigFile 读取配置文件, 并应用其中的 [app] 部分. 监听器要等 LoadListenConf 才会解析,
// 这样调用者可以先按 [app] 初始化日志.
func (m *M) LoadConfigFile(fn string) error {
	c, err := config.LoadTomlConfFile(utils.GetFilePath(fn))
	if err != nil {
		return err
	}
	c.App.Setup()

	m.Lock()
	m.conf = c
	m.Unlock()
	return nil
}

// LoadListenConf 解析 LoadConfigFile 读到的所有监听器. 无法解析的监听器 会被记录并跳过, 此时 ok 为 false.
func (m *M) LoadListenConf(hot bool) (ok bool) {
	m.RLock()
	c := m.conf
	m.RUnlock()
	if c == nil {
		return false
	}

	settings, errs := c.Resolve()
	ok = len(errs) == 0
	for tag, err := range errs {
		if ce := utils.CanLogErr("can not load listener"); ce != nil {
			ce.Write(zap.String("tag", tag), zap.Error(err))
		}
	}
	if len(settings) == 0 {
		utils.Warn("no usable listener in config")
	}

	if !m.LoadSettings(settings, hot) {
		ok = false
	}
	return
}

// LoadSettings 添加监听器; 当 hot 为 true 且 machine 正在运行时, 立即启动它们.
func (m *M) LoadSettings(list []*mesona.Settings, hot bool) (ok bool) {
	ok = true
	m.Lock()
	defer m.Unlock()

	for _, st := range list {
		if hot && m.running {
			s := m.startServer(st)
			if s == nil {
				ok = false
				continue
			}
			m.servers = append(m.servers, s)
		}
		m.settings = append(m.settings, st)
	}
	if hot && m.running && len(list) > 0 {
		m.callUpdatedCallback()
	}
	return
}

// HotDeleteServer 停止并移除 第index个 运行中的监听器, 之后的 Start 也不再启动它.
func (m *M) HotDeleteServer(index int) {
	m.Lock()
	defer m.Unlock()
	if index < 0 || index >= len(m.servers) {
		return
	}
	doomed := m.servers[index]
	doomed.Stop()
	m.servers = utils.TrimSlice(m.servers, index)

	for i, st := range m.settings {
		if st == doomed.Settings() {
			m.settings = utils.TrimSlice(m.settings, i)
			break
		}
	}
	m.callUpdatedCallback()
}
