package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

var preludeTemplate = template.Must(template.New("prelude").Parse(`set -e
{{if .BindHome}}
{{.Mount}} --bind {{.Home}} /root
{{end}}
function taskRunShouldApply {
  {{if .DryRun}}false{{else}}true{{end}}
}

export -f taskRunShouldApply

function taskSetOutput {
  "$__taskCtl" ctl set-output "$1" >&{{.FD}}
}

export -f taskSetOutput

function taskGetDeps {
  printf '%s\n' {{.Deps}}
}

export -f taskGetDeps

function taskRunInBackground {
  "$__taskCtl" ctl run-in-background "$*" >&{{.FD}}
}

export -f taskRunInBackground

function taskRunFinally {
  "$__taskCtl" ctl run-finally "$*" >&{{.FD}}
}

export -f taskRunFinally

export PATH="$__taskPath"
`))

type preludeData struct {
	BindHome bool
	Mount    string
	Home     string
	DryRun   bool
	FD       int
	Deps     string
}

// prelude renders the bash functions prepended to every task script and shell.
func (p *Provisioner) prelude(env *Environment, opts Options) (string, error) {
	deps, err := json.Marshal(env.Lazy.depsOrEmpty())
	if err != nil {
		return "", fmt.Errorf("encoding dependency context: %w", err)
	}

	var b strings.Builder
	err = preludeTemplate.Execute(&b, preludeData{
		BindHome: p.userNamespaces(),
		Mount:    shellQuote(p.cfg.MountPath),
		Home:     shellQuote(env.HomeDir),
		DryRun:   opts.DryRun,
		FD:       ControlFD,
		Deps:     shellQuote(string(deps)),
	})
	if err != nil {
		return "", fmt.Errorf("rendering prelude: %w", err)
	}
	return b.String(), nil
}

// shellQuote wraps s in single quotes for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
