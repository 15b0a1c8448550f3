package machine

type callbacks struct {
	toggle []func(int) //开关, 1 为启动, 0 为停止

	updated []func() //运行中的监听器发生了变更
}

func (m *M) AddToggleCallback(f func(int)) {
	m.toggle = append(m.toggle, f)
}
func (m *M) callToggleCallback(e int) {
	for _, f := range m.toggle {
		f(e)
	}
}

func (m *M) AddUpdatedCallback(f func()) {
	m.updated = append(m.updated, f)
}
func (m *M) callUpdatedCallback() {
	for _, f := range m.updated {
		f()
	}
}
