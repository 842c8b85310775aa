// Package runner drives the process lifecycle: banner, start hook, wait for
// the run context to end, then a bounded drain.
package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "new"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func() error
	OnStop  func()
}

// Drainer finishes in-flight work before ctx ends.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Version is stamped at build time with -ldflags "-X ...runner.Version=...".
var Version = "dev"

// BannerOutput receives the startup banner; nil disables it.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	if BannerOutput == nil {
		return
	}
	tpl := "{{ .Title \"CALLBRIDGE\" \"\" 0 }}\nVersion: " + Version + "\nGo: {{ .GoVersion }}\n"
	banner.Init(BannerOutput, true, false, bytes.NewBufferString(tpl))
}
