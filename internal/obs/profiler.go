package obs

import (
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{}) {
	logs.Debugf("pyroscope: "+format, args...)
}
func (profilerLogger) Debugf(format string, args ...interface{}) {
	logs.Debugf("pyroscope: "+format, args...)
}
func (profilerLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}

// StartProfiler pushes continuous profiles to a pyroscope server. The
// returned stop function flushes the last batch.
func StartProfiler(app, serverURL string, tags map[string]string) (func(), error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   serverURL,
		Tags:            tags,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = profiler.Stop()
	}, nil
}
