package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"trace": false,
	}
	for level, wantOK := range cases {
		if _, ok := parseLogLevel(level); ok != wantOK {
			t.Fatalf("parseLogLevel(%q) ok = %v, want %v", level, ok, wantOK)
		}
	}
}
