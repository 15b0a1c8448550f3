/*
Package machine 定义一个 可以直接运行的有限状态机；这个机器可以直接被可执行文件所使用.

machine把运行所有监听器所需要的代码包装起来，对外像一个黑盒子。

关键点是不使用任何静态变量，所有变量都放在machine中。
*/
package machine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/e1732a364fed/mesona"
	"github.com/e1732a364fed/mesona/config"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/zap"
)

var ErrNothingStarted = errors.New("no listener started")

type M struct {
	sync.RWMutex
	callbacks

	conf *config.Conf

	settings []*mesona.Settings
	servers  []*mesona.Server

	running bool
}

func New() *M {
	return &M{}
}

func (m *M) ServerCount() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.servers)
}

func (m *M) IsRunning() bool {
	m.RLock()
	defer m.RUnlock()
	return m.running
}

// Servers 返回正在运行的监听器的副本.
func (m *M) Servers() []*mesona.Server {
	m.RLock()
	defer m.RUnlock()
	return append([]*mesona.Server(nil), m.servers...)
}

func (m *M) startServer(st *mesona.Settings) *mesona.Server {
	s, err := mesona.NewServer(st)
	if err == nil {
		err = s.Start()
	}
	if err != nil {
		if ce := utils.CanLogErr("can not start listener"); ce != nil {
			ce.Write(zap.String("tag", st.Tag), zap.String("listen", st.Listen), zap.Error(err))
		}
		return nil
	}
	return s
}

// Start 启动所有已加载的监听器. 某个监听器启动失败时 记录错误并跳过;
// 一个都没有启动时 返回 ErrNothingStarted.
func (m *M) Start() error {
	m.Lock()
	defer m.Unlock()
	if m.running {
		return nil
	}
	utils.Info("Starting...")

	for _, st := range m.settings {
		if s := m.startServer(st); s != nil {
			m.servers = append(m.servers, s)
		}
	}
	if len(m.servers) == 0 {
		return ErrNothingStarted
	}
	m.running = true
	m.callToggleCallback(1)
	return nil
}

// Stop 关闭所有监听器以及它们的连接, 阻塞直到全部结束. 之后可以再次 Start.
func (m *M) Stop() {
	m.Lock()
	defer m.Unlock()
	if !m.running {
		return
	}
	utils.Info("Stopping...")

	var wg sync.WaitGroup
	for _, s := range m.servers {
		wg.Add(1)
		go func(s *mesona.Server) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()

	m.servers = nil
	m.running = false
	m.callToggleCallback(0)
}

// AllStats 汇总所有运行中的监听器的统计.
func (m *M) AllStats() (total mesona.Stats) {
	for _, s := range m.Servers() {
		st := s.Stats()
		total.Accepted += st.Accepted
		total.Active += st.Active
		total.Failed += st.Failed
		total.BytesToServer += st.BytesToServer
		total.BytesToClient += st.BytesToClient
	}
	return
}

func (m *M) PrintAllState(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	total := m.AllStats()
	fmt.Fprintln(w, "activeConnectionCount", total.Active)
	fmt.Fprintln(w, "failedConnectionCount", total.Failed)
	fmt.Fprintln(w, "allBytesToServerSinceStart", total.BytesToServer)
	fmt.Fprintln(w, "allBytesToClientSinceStart", total.BytesToClient)

	for i, s := range m.Servers() {
		st := s.Settings()
		fmt.Fprintln(w, "listener", i, st.Tag, s.Addr(), st.Destination, s.Stats().Accepted)
	}
}
