package monitoring

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestSetLogWritersRoutesStreams(t *testing.T) {
	defer SetLogWriters(nil, nil, nil)

	var ops, diag, trace bytes.Buffer
	SetLogWriters(&ops, &diag, &trace)

	Opsf("[l1frames] camera %d timed out", 0)
	Diagf("[l2features] %d candidates", 12)
	Tracef("[l5estimation] innovation %.2f", 0.5)

	if !strings.Contains(ops.String(), "camera 0 timed out") {
		t.Errorf("ops stream missing message: %q", ops.String())
	}
	if !strings.Contains(diag.String(), "12 candidates") {
		t.Errorf("diag stream missing message: %q", diag.String())
	}
	if !strings.Contains(trace.String(), "innovation 0.50") {
		t.Errorf("trace stream missing message: %q", trace.String())
	}
}

func TestNilWriterDisablesStream(t *testing.T) {
	defer SetLogWriters(nil, nil, nil)

	var ops bytes.Buffer
	SetLogWriters(&ops, nil, nil)
	Diagf("should vanish")
	Tracef("should vanish")
	Opsf("kept")
	if strings.Contains(ops.String(), "vanish") {
		t.Errorf("disabled streams leaked into ops: %q", ops.String())
	}
}

func TestSetLogger(t *testing.T) {
	defer SetLogWriters(nil, nil, nil)

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Opsf("a")
	Diagf("b")
	Tracef("c")
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("SetLogger routed %v, want [a b]", got)
	}

	SetTraceLogger(func(format string, v ...interface{}) { got = append(got, format) })
	Tracef("c")
	if len(got) != 3 || got[2] != "c" {
		t.Errorf("trace logger not installed: %v", got)
	}

	SetLogger(nil)
	Opsf("muted")
	if len(got) != 3 {
		t.Errorf("nil logger should mute ops, got %v", got)
	}
}

func TestSetOpsLogger(t *testing.T) {
	defer SetLogWriters(nil, nil, nil)

	var ops, diag []string
	SetLogger(func(format string, v ...interface{}) { diag = append(diag, format) })
	SetOpsLogger(func(format string, v ...interface{}) { ops = append(ops, format) })
	Opsf("mode change")
	Diagf("gate")
	if len(ops) != 1 || ops[0] != "mode change" {
		t.Errorf("ops = %v", ops)
	}
	if len(diag) != 1 || diag[0] != "gate" {
		t.Errorf("diag = %v", diag)
	}
}
