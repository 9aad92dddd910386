package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docbatch/internal/config"
)

func TestJanitorInterval(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                maxJanitorPeriod,
		20 * time.Minute: 5 * time.Minute,
		48 * time.Hour:   maxJanitorPeriod,
	}
	for retention, want := range cases {
		if got := janitorInterval(retention); got != want {
			t.Fatalf("janitorInterval(%s) = %s, want %s", retention, got, want)
		}
	}
}

func TestBuildStore(t *testing.T) {
	ctx := context.Background()
	c := config.Default()

	c.Store.Driver = config.DriverMemory
	store, closeFn, err := buildStore(ctx, c)
	if err != nil || store != nil {
		t.Fatalf("memory store: %v %v", store, err)
	}
	closeFn()

	c.Store.Driver = config.DriverFile
	c.DataDir = t.TempDir()
	store, closeFn, err = buildStore(ctx, c)
	if err != nil || store == nil {
		t.Fatalf("file store: %v", err)
	}
	closeFn()

	c.Store.Driver = config.DriverSQLite
	c.Store.DSN = filepath.Join(t.TempDir(), "tasks.db")
	store, closeFn, err = buildStore(ctx, c)
	if err != nil || store == nil {
		t.Fatalf("sqlite store: %v", err)
	}
	closeFn()

	c.Store.Driver = "etcd"
	if _, _, err := buildStore(ctx, c); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSetupLoggingJSON(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	c := config.Default()
	c.LogFormat = "json"
	c.LogLevel = "warn"
	setupLogging(c, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("task_id", "t1").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"task_id":"t1"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("unexpected json log: %s", out)
	}
}
