// Package automation runs the external image staging playbook.
package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apenella/go-ansible/v2/pkg/execute"
	"github.com/apenella/go-ansible/v2/pkg/playbook"
	"gopkg.in/yaml.v3"
)

// DefaultBinary is used when Ansible.Binary is empty.
const DefaultBinary = "ansible-playbook"

// Runner executes a playbook against a single target host.
type Runner interface {
	RunPlaybook(ctx context.Context, playbook, target string, vars map[string]string) error
}

// RunError carries the combined output of a failed playbook run.
type RunError struct {
	Playbook string
	Output   string
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("playbook %s failed: %v: %s", e.Playbook, e.Err, tail(e.Output, 2048))
}

func (e *RunError) Unwrap() error { return e.Err }

// Ansible runs ansible-playbook through go-ansible with an inline inventory
// and an extra-vars file.
type Ansible struct {
	Binary  string
	WorkDir string
	Env     map[string]string
}

// RunPlaybook writes vars to a temporary YAML file and runs the playbook
// against `<target>,` with `--extra-vars @<file>`.
func (a *Ansible) RunPlaybook(ctx context.Context, path, target string, vars map[string]string) error {
	if strings.TrimSpace(target) == "" {
		return errors.New("automation: target is required")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("automation: playbook is required")
	}
	bin := a.Binary
	if bin == "" {
		bin = DefaultBinary
	}

	varsFile, err := writeVars(vars)
	if err != nil {
		return err
	}
	defer os.Remove(varsFile)

	cmd := playbook.NewAnsiblePlaybookCmd(
		playbook.WithBinary(bin),
		playbook.WithPlaybooks(path),
		playbook.WithPlaybookOptions(&playbook.AnsiblePlaybookOptions{
			Inventory:     target + ",",
			ExtraVarsFile: []string{"@" + varsFile},
		}),
	)

	var out bytes.Buffer
	run := execute.NewDefaultExecute(
		execute.WithCmd(cmd),
		execute.WithErrorEnrich(playbook.NewAnsiblePlaybookErrorEnrich()),
		execute.WithCmdRunDir(a.WorkDir),
		execute.WithEnvVars(a.Env),
		execute.WithWrite(&out),
		execute.WithWriteError(&out),
	)
	if err := run.Execute(ctx); err != nil {
		return &RunError{Playbook: filepath.Base(path), Output: out.String(), Err: err}
	}
	return nil
}

func writeVars(vars map[string]string) (string, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	data, err := yaml.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("automation: encode vars: %w", err)
	}

	f, err := os.CreateTemp("", "metalhub-vars-*.yml")
	if err != nil {
		return "", fmt.Errorf("automation: vars file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("automation: vars file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("automation: vars file: %w", err)
	}
	return f.Name(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
