package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("file", "a.fits")
	logger.Debug("hidden")
	logger.Warn("header repaired", "key", "UT-STR")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] header repaired [file=a.fits key=UT-STR]") {
		t.Fatalf("unexpected line: %q", out)
	}
}

func TestWithGroupPrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelDebug)).WithGroup("calib")
	logger.Info("master built", "camera", 1)
	if !strings.Contains(buf.String(), "calib.camera=1") {
		t.Fatalf("group prefix missing: %q", buf.String())
	}
}

func TestStageHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "traditional")

	LogRunStart(logger, "r1", "hd1160", 2, []string{"calibration", "coadd"})
	LogStageSkipped(logger, "coadd", "a_calib.fits", "a_collapsed.fits")
	LogStageError(logger, "registration", "b_calib.fits", time.Second, errors.New("fit diverged"))
	LogRunSummary(logger, "r1", 1, 1, 2*time.Second)

	out := buf.String()
	for _, want := range []string{
		"[INFO] run started [run=r1 name=hd1160 files=2 stages=calibration,coadd]",
		"[DEBUG] stage outputs current, skipping",
		"[ERROR] stage failed",
		"error=fit diverged",
		"[WARN] run finished",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
