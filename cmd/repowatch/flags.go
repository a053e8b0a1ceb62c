package main

import "time"

// APIFlags Flag structs to decouple cobra from logic for testing.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type StatusFlags struct {
	APIFlags
	Path string
}

type CommandFlags struct {
	APIFlags
	Path string
	// Wait polls status until the pending action finishes or Wait elapses.
	Wait time.Duration
}

type AutoRestartFlags struct {
	APIFlags
	Path    string
	Enabled bool
}

type HistoryFlags struct {
	APIFlags
	Path  string
	Limit int
}

type CheckFlags struct {
	ConfigPath string
	Paths      []string
}

type PruneFlags struct {
	ConfigPath string
	Path       string
	DryRun     bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

type InitFlags struct {
	Type         string
	Output       string
	CheckProgram string
	StateDir     string
	AutoRestart  bool
	Force        bool
	Paths        []string
}
