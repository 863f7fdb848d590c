package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

type AboutResponse struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Build
}

// Build is what the binary knows about itself from its embedded build info.
type Build struct {
	Module   string            `json:"module,omitempty"`
	Version  string            `json:"version,omitempty"`
	Revision string            `json:"revision,omitempty"`
	Modified bool              `json:"modified,omitempty"`
	Time     string            `json:"build_time,omitempty"`
	Deps     map[string]string `json:"deps,omitempty"`
}

var readBuild = sync.OnceValue(func() Build {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return Build{}
	}
	b := Build{Module: bi.Main.Path, Version: bi.Main.Version}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		case "vcs.time":
			b.Time = s.Value
		}
	}
	if len(bi.Deps) > 0 {
		b.Deps = make(map[string]string, len(bi.Deps))
		for _, d := range bi.Deps {
			b.Deps[d.Path] = d.Version
		}
	}
	return b
})

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, AboutResponse{
			Service:   "groundstation",
			NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
			GoVersion: runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			Build:     readBuild(),
		})
	})
}
