package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Ollama exporter collectors. Names match the exporter that used to ship as a sidecar
// container so existing dashboards keep working.
var (
	ollamaRegOK atomic.Bool

	ollamaUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ollama_up",
		Help: "Ollama service status (1=up, 0=down)",
	})
	ollamaModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ollama_models_total",
		Help: "Total number of available models",
	})
	ollamaRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ollama_running_models",
		Help: "Number of models currently loaded in memory",
	})
	ollamaInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ollama_info",
		Help: "Ollama version information",
	}, []string{"version"})
)

// RegisterOllama registers the exporter collectors; idempotent like Register.
func RegisterOllama(r prometheus.Registerer) error {
	if ollamaRegOK.Load() {
		return nil
	}
	if err := registerAll(r, []prometheus.Collector{ollamaUp, ollamaModels, ollamaRunning, ollamaInfo}); err != nil {
		return err
	}
	ollamaRegOK.Store(true)
	return nil
}

func SetOllamaUp(up bool) {
	if ollamaRegOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		ollamaUp.Set(v)
	}
}

func SetOllamaVersion(version string) {
	if ollamaRegOK.Load() {
		ollamaInfo.Reset()
		ollamaInfo.WithLabelValues(version).Set(1)
	}
}

func SetOllamaModels(n int) {
	if ollamaRegOK.Load() {
		ollamaModels.Set(float64(n))
	}
}

func SetOllamaRunning(n int) {
	if ollamaRegOK.Load() {
		ollamaRunning.Set(float64(n))
	}
}
