package sampler

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
)

func TestNewSampleNullsInvalidFields(t *testing.T) {
	dev := &accel.Device{ID: "x0", Backend: &fakeBackend{name: "fake"}}
	dev.Dynamic.PowerDrawMW = 125500
	dev.Dynamic.Valid.Set(accel.DynPowerDraw)
	dev.Dynamic.TempC = 99

	sample := NewSample(dev, time.Unix(0, 0))
	if sample.Metrics.PowerW == nil || *sample.Metrics.PowerW != 125.5 {
		t.Fatalf("unexpected power %v", sample.Metrics.PowerW)
	}
	if sample.Metrics.TempC != nil {
		t.Fatalf("temp without validity bit must be nil")
	}

	data, err := json.Marshal(sample)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"temp_c":null`) {
		t.Fatalf("expected null temperature in %s", data)
	}
	if !strings.Contains(string(data), `"procs":[]`) {
		t.Fatalf("expected empty process list in %s", data)
	}
}
