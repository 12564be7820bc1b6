package stub

type CounterVec interface {
	IncLabels(labels ...string)
}

type CounterVecIgnore struct{}

func (CounterVecIgnore) IncLabels(labels ...string) {}

type GaugeVec interface {
	SetLabels(v float64, labels ...string)
}

type GaugeVecIgnore struct{}

func (GaugeVecIgnore) SetLabels(v float64, labels ...string) {}

type HistogramVec interface {
	ObserveLabels(v float64, labels ...string)
}

type HistogramVecIgnore struct{}

func (HistogramVecIgnore) ObserveLabels(v float64, labels ...string) {}
