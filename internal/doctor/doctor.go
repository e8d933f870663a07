// Package doctor produces the audio / configuration diagnosis report
// behind --diagnose-audio.
package doctor

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"subteksto/internal/audio"
	"subteksto/internal/config"
)

// Result represents one diagnostic check.
type Result struct {
	Name   string
	Pass   bool
	Detail string
}

// Run executes the checks appropriate for the configured backend.
func Run(cfg *config.Config) []Result {
	results := []Result{checkConfigFile(cfg)}

	switch cfg.Backend {
	case config.BackendCloud:
		results = append(results, checkCloudEndpoint(cfg), checkCloudKey(cfg))
	case config.BackendLocalOffline:
		results = append(results, checkFile("LOCAL_MODEL_PATH", cfg.Local.ModelPath))
	}

	results = append(results, checkDevices()...)
	results = append(results, probeCapture(cfg)...)
	return results
}

// Print renders the report. Returns true when every check passed.
func Print(results []Result, w io.Writer) bool {
	ok := true
	for _, r := range results {
		mark := "ok"
		if !r.Pass {
			mark = "FAIL"
			ok = false
		}
		fmt.Fprintf(w, "%-4s %-24s %s\n", mark, r.Name, r.Detail)
	}
	return ok
}

func checkConfigFile(cfg *config.Config) Result {
	if cfg.ConfigPath == "" {
		return Result{Name: "config file", Pass: true, Detail: "defaults + environment"}
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return Result{Name: "config file", Pass: true, Detail: cfg.ConfigPath + " (not present; defaults apply)"}
	}
	return Result{Name: "config file", Pass: true, Detail: cfg.ConfigPath}
}

func checkFile(label, path string) Result {
	if path == "" {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	if _, err := os.Stat(path); err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: path}
}

func checkCloudEndpoint(cfg *config.Config) Result {
	label := "CLOUD_CONNECTION_URL"
	if cfg.Cloud.ConnectionURL == "" {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	u, err := url.Parse(cfg.Cloud.ConnectionURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return Result{Name: label, Pass: false, Detail: "must be a ws:// or wss:// URL"}
	}
	return Result{Name: label, Pass: true, Detail: cfg.Cloud.ConnectionURL}
}

func checkCloudKey(cfg *config.Config) Result {
	if cfg.Cloud.APIKey == "" {
		return Result{Name: "CLOUD_API_KEY", Pass: false, Detail: "not set"}
	}
	return Result{Name: "CLOUD_API_KEY", Pass: true, Detail: "set"}
}

func checkDevices() []Result {
	drv, err := audio.NewDriver()
	if err != nil {
		return []Result{{Name: "audio host", Pass: false, Detail: err.Error()}}
	}
	defer drv.Close()

	devs, err := drv.Devices()
	if err != nil {
		return []Result{{Name: "audio host", Pass: false, Detail: err.Error()}}
	}
	inputs := 0
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			inputs++
		}
	}
	if inputs == 0 {
		return []Result{{Name: "input devices", Pass: false, Detail: "no input-capable devices found"}}
	}
	out := []Result{{Name: "input devices", Pass: true, Detail: fmt.Sprintf("%d found", inputs)}}
	if def, err := drv.DefaultInputIndex(); err == nil {
		for _, d := range devs {
			if d.Index == def {
				out = append(out, Result{Name: "default input", Pass: true, Detail: fmt.Sprintf("[%d] %s", d.Index, d.Name)})
			}
		}
	} else {
		out = append(out, Result{Name: "default input", Pass: false, Detail: err.Error()})
	}
	return out
}
