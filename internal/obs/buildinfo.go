package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo describes the running binary and deployment.
type BuildInfo struct {
	Service string
	Version string
	Commit  string
	Env     string
}

var (
	buildInfoOnce sync.Once

	// cytolab_build_info{service,version,commit,env,go_version} 1
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cytolab_build_info",
			Help: "Build and deployment of the running cytolab process.",
		},
		[]string{"service", "version", "commit", "env", "go_version"},
	)
)

// InitBuildInfo registers cytolab_build_info once and publishes info as the
// only series. An empty commit falls back to the VCS revision stamped by the
// Go toolchain.
func InitBuildInfo(info BuildInfo) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if info.Commit == "" || info.Commit == "dev" {
		if rev := vcsRevision(); rev != "" {
			info.Commit = rev
		}
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(
		orUnknown(info.Service), orUnknown(info.Version), orUnknown(info.Commit),
		orUnknown(info.Env), runtime.Version(),
	).Set(1)
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
