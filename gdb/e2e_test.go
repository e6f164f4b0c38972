package gdb

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagewalk"
	"triagewalk/crash"
	"triagewalk/meta"
	"triagewalk/report"
)

const targetSource = `
#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#include <unistd.h>

static void crash_here(void) { *(volatile int *)0 = 1; }

int main(int argc, char **argv) {
	char buf[16] = {0};
	FILE *f = argc > 1 ? fopen(argv[1], "r") : stdin;
	if (!f || !fgets(buf, sizeof buf, f)) return 1;
	if (!strncmp(buf, "crash", 5)) crash_here();
	if (!strncmp(buf, "hang", 4)) for (;;) pause();
	if (!strncmp(buf, "alloc", 5)) {
		char *p = malloc(1UL << 30);
		p[0] = 1;
	}
	return 0;
}
`

// e2eEngine builds the fixture target and returns an engine for it. It needs
// gdb with Python and a C compiler, and is opt in.
func e2eEngine(t *testing.T, stdin bool) (*Engine, string) {
	if os.Getenv("TRIAGE_E2E") == "" {
		t.Skip("set TRIAGE_E2E=1 to run against a real gdb")
	}
	for _, tool := range []string{"gdb", "cc"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not found", tool)
		}
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "target.c")
	require.NoError(t, os.WriteFile(src, []byte(targetSource), 0o644))
	bin := filepath.Join(dir, "target")
	out, err := exec.Command("cc", "-g", "-O0", "-o", bin, src).CombinedOutput()
	require.NoError(t, err, string(out))

	cfg := Config{
		Binary:     bin,
		Stdin:      stdin,
		Timeout:    2 * time.Second,
		ScriptPath: filepath.Join(dir, "bootstrap.py"),
	}
	if !stdin {
		cfg.Args = []string{"@@"}
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e, dir
}

func e2eUnit(t *testing.T, dir, name, content string) *triagewalk.Unit {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return &triagewalk.Unit{Name: name, Path: p, Analysis: map[string]any{}}
}

func TestEndToEnd(t *testing.T) {
	e, dir := e2eEngine(t, false)
	ctx := context.Background()

	v, err := e.Analyze(ctx, e2eUnit(t, dir, "ok", "fine\n"))
	require.NoError(t, err)
	rec := v.(crash.Record)
	assert.False(t, rec.Crashed())
	assert.False(t, rec.TimedOut)

	v, err = e.Analyze(ctx, e2eUnit(t, dir, "crash", "crash\n"))
	require.NoError(t, err)
	rec = v.(crash.Record)
	assert.Equal(t, "SIGSEGV", rec.Reason)
	require.NotEmpty(t, rec.Backtrace)
	assert.Equal(t, "crash_here", rec.Backtrace[0].Function)
	assert.Len(t, rec.Backtrace[0].Registers, len(crash.Registers))

	start := time.Now()
	v, err = e.Analyze(ctx, e2eUnit(t, dir, "hang", "hang\n"))
	require.NoError(t, err)
	rec = v.(crash.Record)
	assert.False(t, rec.Crashed())
	assert.True(t, rec.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestEndToEndStdin(t *testing.T) {
	e, dir := e2eEngine(t, true)

	v, err := e.Analyze(context.Background(), e2eUnit(t, dir, "crash", "crash\n"))
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", v.(crash.Record).Reason)
}

func TestEndToEndMemoryCeiling(t *testing.T) {
	e, dir := e2eEngine(t, false)

	v, err := e.Analyze(context.Background(), e2eUnit(t, dir, "alloc", "alloc\n"))
	require.NoError(t, err)
	rec := v.(crash.Record)
	assert.Equal(t, "SIGSEGV", rec.Reason)
	require.NotEmpty(t, rec.Backtrace)
	assert.Equal(t, "main", rec.Backtrace[0].Function)
}

func TestEndToEndReport(t *testing.T) {
	e, _ := e2eEngine(t, false)
	root := t.TempDir()
	for name, content := range map[string]string{
		"a-ok":    "fine\n",
		"b-crash": "crash\n",
		"c-hang":  "hang\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}

	tw, err := triagewalk.NewTriage(triagewalk.TriageConfig{
		Root:      root,
		Analyzers: []triagewalk.Analyzer{&meta.Analyzer{}, e},
	})
	require.NoError(t, err)
	results, err := tw.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	var buf bytes.Buffer
	require.NoError(t, report.New(results).Encode(&buf))
	var doc struct {
		Crashes []struct {
			Name     string `json:"name"`
			Analysis struct {
				Meta crash.Meta   `json:"meta"`
				GDB  crash.Record `json:"gdb"`
			} `json:"analysis"`
		} `json:"crashes"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Crashes, 3)

	ok, crashed, hung := doc.Crashes[0], doc.Crashes[1], doc.Crashes[2]
	assert.Equal(t, "a-ok", ok.Name)
	assert.Equal(t, int64(5), ok.Analysis.Meta.Size)
	assert.False(t, ok.Analysis.GDB.Crashed())

	assert.Equal(t, int64(6), crashed.Analysis.Meta.Size)
	assert.Equal(t, "SIGSEGV", crashed.Analysis.GDB.Reason)
	require.NotEmpty(t, crashed.Analysis.GDB.Backtrace)
	assert.Equal(t, "crash_here", crashed.Analysis.GDB.Backtrace[0].Function)

	assert.Equal(t, int64(5), hung.Analysis.Meta.Size)
	assert.True(t, hung.Analysis.GDB.TimedOut)
	assert.Empty(t, hung.Analysis.GDB.Backtrace)
}
