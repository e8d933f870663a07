package doctor

import (
	"strings"
	"testing"

	"subteksto/internal/config"
)

func TestRunFlagsMissingCloudCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendCloud

	results := Run(cfg)
	var sawURL, sawKey bool
	for _, r := range results {
		switch r.Name {
		case "CLOUD_CONNECTION_URL":
			sawURL = true
			if r.Pass {
				t.Fatalf("unset connection URL should fail: %+v", r)
			}
		case "CLOUD_API_KEY":
			sawKey = true
			if r.Pass {
				t.Fatalf("unset API key should fail: %+v", r)
			}
		}
	}
	if !sawURL || !sawKey {
		t.Fatalf("cloud checks missing from report: %+v", results)
	}
}

func TestRunFlagsAbsentModelPath(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendLocalOffline
	cfg.Local.ModelPath = "/nonexistent/vosk-model"

	results := Run(cfg)
	for _, r := range results {
		if r.Name == "LOCAL_MODEL_PATH" {
			if r.Pass {
				t.Fatalf("absent model path should fail: %+v", r)
			}
			return
		}
	}
	t.Fatalf("model path check missing: %+v", results)
}

func TestPrintReportsOverallStatus(t *testing.T) {
	var sb strings.Builder
	ok := Print([]Result{
		{Name: "a", Pass: true, Detail: "fine"},
		{Name: "b", Pass: false, Detail: "broken"},
	}, &sb)
	if ok {
		t.Fatalf("report with a failure should not pass")
	}
	if !strings.Contains(sb.String(), "FAIL") || !strings.Contains(sb.String(), "broken") {
		t.Fatalf("report output: %q", sb.String())
	}
}
