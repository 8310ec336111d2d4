package registration

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})

	Opsf("visualizer failed: %s", "no display")
	Diagf("reference set: %d points", 8)
	Tracef("dropped: trace has no writer")

	if !strings.Contains(ops.String(), "[registration] visualizer failed: no display") {
		t.Errorf("unexpected ops output %q", ops.String())
	}
	if !strings.Contains(diag.String(), "[registration/diag] reference set: 8 points") {
		t.Errorf("unexpected diag output %q", diag.String())
	}
	if strings.Contains(ops.String()+diag.String(), "dropped") {
		t.Error("trace line leaked into another stream")
	}
}

func TestVerboseLogWriters(t *testing.T) {
	var buf bytes.Buffer

	quiet := VerboseLogWriters(&buf, false)
	if quiet.Ops == nil || quiet.Diag != nil || quiet.Trace != nil {
		t.Errorf("quiet writers should only carry ops: %+v", quiet)
	}
	loud := VerboseLogWriters(&buf, true)
	if loud.Ops == nil || loud.Diag == nil || loud.Trace == nil {
		t.Errorf("verbose writers should carry every stream: %+v", loud)
	}
}
