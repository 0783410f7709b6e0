package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
	return path
}

func TestLoadResolvesAbsolutePaths(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit semantics differ on windows")
	}
	dir := t.TempDir()
	bin := writeExecutable(t, dir, "renode")

	cfg, err := Load(bin, dir, "", DefaultPort, DefaultFetchRateByte)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EngineBinary != bin {
		t.Fatalf("EngineBinary = %q, want %q", cfg.EngineBinary, bin)
	}
	if cfg.WorkingDir != dir {
		t.Fatalf("WorkingDir = %q, want %q", cfg.WorkingDir, dir)
	}
	if cfg.FetchRateByte != DefaultFetchRateByte {
		t.Fatalf("FetchRateByte = %d, want default", cfg.FetchRateByte)
	}
}

func TestLoadMissingArgsReturnArgError(t *testing.T) {
	if _, err := Load("", "somewhere", "", DefaultPort, DefaultFetchRateByte); err == nil {
		t.Fatal("expected error for missing engine binary")
	} else if _, ok := err.(*ArgError); !ok {
		t.Fatalf("got %T, want *ArgError", err)
	}

	if _, err := Load("renode", "", "", DefaultPort, DefaultFetchRateByte); err == nil {
		t.Fatal("expected error for missing working dir")
	} else if _, ok := err.(*ArgError); !ok {
		t.Fatalf("got %T, want *ArgError", err)
	}
}

func TestLoadInvalidPortReturnsArgError(t *testing.T) {
	if _, err := Load("renode", t.TempDir(), "", 0, DefaultFetchRateByte); err == nil {
		t.Fatal("expected error for invalid port")
	} else if _, ok := err.(*ArgError); !ok {
		t.Fatalf("got %T, want *ArgError", err)
	}
}

func TestLoadMissingBinaryReturnsBinaryError(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "does-not-exist"), dir, "", DefaultPort, DefaultFetchRateByte)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if _, ok := err.(*BinaryError); !ok {
		t.Fatalf("got %T, want *BinaryError", err)
	}
}

func TestLoadWorkingDirNotADirectoryReturnsBinaryError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit semantics differ on windows")
	}
	dir := t.TempDir()
	bin := writeExecutable(t, dir, "renode")
	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := Load(bin, file, "", DefaultPort, DefaultFetchRateByte)
	if _, ok := err.(*BinaryError); !ok {
		t.Fatalf("got %T, want *BinaryError", err)
	}
}

func TestLoadGUIEnvOverrides(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit semantics differ on windows")
	}
	dir := t.TempDir()
	bin := writeExecutable(t, dir, "renode")

	t.Setenv(envGUIDisabled, "true")
	cfg, err := Load(bin, dir, "", DefaultPort, DefaultFetchRateByte)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.GUIDisabled {
		t.Fatal("expected GUIDisabled to be true from env")
	}
}
