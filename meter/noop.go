package meter

import "github.com/ineyio/stockify"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ stockify.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDispatch(stockify.DispatchEvent) {}
func (m *NoopMeter) OnResult(stockify.ResultEvent)     {}
func (m *NoopMeter) OnTaskDone(stockify.TaskEvent)     {}

// Multi fans events out to several meters in order.
type Multi []stockify.Meter

var _ stockify.Meter = Multi(nil)

func (m Multi) OnDispatch(e stockify.DispatchEvent) {
	for _, mm := range m {
		mm.OnDispatch(e)
	}
}

func (m Multi) OnResult(e stockify.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}

func (m Multi) OnTaskDone(e stockify.TaskEvent) {
	for _, mm := range m {
		mm.OnTaskDone(e)
	}
}
