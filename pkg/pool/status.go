package pool

import "time"

// Status 池的聚合状态，供展示层消费
type Status struct {
	Running           bool          `json:"running" yaml:"running"`
	TotalConnections  int           `json:"total_connections" yaml:"total_connections"`
	ConnectedCount    int           `json:"connected_count" yaml:"connected_count"`
	KeepAliveInterval time.Duration `json:"keep_alive_interval" yaml:"keep_alive_interval"`
	MaxIdleTime       time.Duration `json:"max_idle_time" yaml:"max_idle_time"`
	AutoReconnect     bool          `json:"auto_reconnect" yaml:"auto_reconnect"`
	Connections       []Snapshot    `json:"connections" yaml:"connections"`
}

// Status 生成当前时刻的聚合视图
func (p *Pool) Status() Status {
	p.mu.RLock()
	records := make([]*Record, 0, len(p.records))
	for _, rec := range p.records {
		records = append(records, rec)
	}
	p.mu.RUnlock()

	st := Status{
		Running:           p.Running(),
		TotalConnections:  len(records),
		KeepAliveInterval: p.KeepAliveInterval(),
		MaxIdleTime:       p.MaxIdleTime(),
		AutoReconnect:     p.AutoReconnect(),
		Connections:       make([]Snapshot, 0, len(records)),
	}
	for _, rec := range records {
		snap := rec.Snapshot()
		if rec.IsConnected() {
			st.ConnectedCount++
		}
		st.Connections = append(st.Connections, snap)
	}
	return st
}
