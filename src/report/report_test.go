package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRenderIncludesFailures(t *testing.T) {
	r := New("backup")
	r.AddRegion("us-east-1")
	r.AddRegion("us-east-1") // deduplicated
	r.Created = 2
	r.Fail("us-east-1", "vol-3", errors.New("volume busy"))

	var buf bytes.Buffer
	if err := r.Render(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"backup", "us-east-1", "vol-3", "volume busy"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "us-east-1") < 1 {
		t.Error("region missing")
	}
	if r.Failed != 1 {
		t.Errorf("failed = %d", r.Failed)
	}
}

func TestEncodeJSONRoundTrip(t *testing.T) {
	r := New("trim")
	r.AddRegion("eu-west-1")
	r.Deleted = 5
	r.Ambiguous = 1

	var buf bytes.Buffer
	if err := r.EncodeJSON(&buf); err != nil {
		t.Fatal(err)
	}
	var got Report
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Command != "trim" || got.Deleted != 5 || got.Ambiguous != 1 {
		t.Errorf("got %+v", got)
	}
}
