package interfaces

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/boldflow/boldflow/pkg/graph"
)

// stderrTailBytes bounds how much diagnostic output a failed command
// carries back into the run report.
const stderrTailBytes = 8 << 10

// CommandSpec describes one external tool invocation. Argv entries may
// embed "{port}" references to declared input ports; each reference is
// replaced by the resolved value's string form before the process
// starts. Every declared output port names, through OutputTemplates,
// the file the tool produces for it, with the same substitution rules.
type CommandSpec struct {
	// Argv is the command line; Argv[0] is the executable
	Argv []string
	// Env entries are appended to the inherited environment
	Env []string
	// Dir is the working directory; empty means the caller's
	Dir string
	// Inputs and Outputs declare the ports
	Inputs  graph.Ports
	Outputs graph.Ports
	// OutputTemplates maps each output port to its produced file path
	OutputTemplates map[string]string
	// MaxRetries bounds retry attempts after the first failure; zero
	// disables retrying
	MaxRetries uint64
}

// Command wraps an external command line as a leaf capability. The
// graph engine sees only the final pass/fail: transient failures are
// retried internally with exponential backoff up to MaxRetries, and a
// failed invocation surfaces with the tail of its stderr as diagnostic.
type Command struct {
	spec CommandSpec
}

// NewCommand validates the spec and creates the capability. Every
// "{port}" reference in Argv and OutputTemplates must name a declared
// input port, and every declared output port must have a template.
func NewCommand(spec CommandSpec) (*Command, error) {
	if len(spec.Argv) == 0 {
		return nil, pkgerrors.New("interfaces: command argv is empty")
	}
	for _, arg := range spec.Argv {
		if err := checkRefs(arg, spec.Inputs); err != nil {
			return nil, pkgerrors.Wrapf(err, "interfaces: argv entry '%s'", arg)
		}
	}
	for _, p := range spec.Outputs {
		tmpl, ok := spec.OutputTemplates[p.Name]
		if !ok {
			return nil, pkgerrors.Errorf("interfaces: output '%s' has no template", p.Name)
		}
		if err := checkRefs(tmpl, spec.Inputs); err != nil {
			return nil, pkgerrors.Wrapf(err, "interfaces: output template '%s'", tmpl)
		}
	}
	spec.Argv = append([]string(nil), spec.Argv...)
	spec.Env = append([]string(nil), spec.Env...)
	spec.Inputs = append(graph.Ports(nil), spec.Inputs...)
	spec.Outputs = append(graph.Ports(nil), spec.Outputs...)
	return &Command{spec: spec}, nil
}

func (c *Command) Inputs() graph.Ports  { return c.spec.Inputs }
func (c *Command) Outputs() graph.Ports { return c.spec.Outputs }

func (c *Command) Run(ctx context.Context, in graph.Values) (graph.Values, error) {
	argv := make([]string, len(c.spec.Argv))
	for i, arg := range c.spec.Argv {
		argv[i] = substitute(arg, in)
	}

	var tail bytes.Buffer
	attempt := func() error {
		tail.Reset()
		return c.runOnce(ctx, argv, &tail)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.spec.MaxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		diag := strings.TrimSpace(tail.String())
		if diag != "" {
			return nil, pkgerrors.Wrapf(err, "command '%s': %s", argv[0], diag)
		}
		return nil, pkgerrors.Wrapf(err, "command '%s'", argv[0])
	}

	out := make(graph.Values, len(c.spec.Outputs))
	for _, p := range c.spec.Outputs {
		out[p.Name] = substitute(c.spec.OutputTemplates[p.Name], in)
	}
	return out, nil
}

// runOnce executes one attempt, pumping stdout and stderr concurrently.
// Stderr is retained (tail-bounded) for diagnostics.
func (c *Command) runOnce(ctx context.Context, argv []string, tail *bytes.Buffer) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.spec.Dir
	if len(c.spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.spec.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return backoff.Permanent(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return backoff.Permanent(err)
	}
	if err := cmd.Start(); err != nil {
		return backoff.Permanent(err)
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(io.Discard, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(tail, io.LimitReader(stderr, stderrTailBytes))
		if err != nil {
			return err
		}
		// Drain past the tail so the child never blocks on a full pipe.
		_, err = io.Copy(io.Discard, stderr)
		return err
	})
	pumpErr := g.Wait()
	if err := cmd.Wait(); err != nil {
		return err
	}
	return pumpErr
}

// substitute replaces every "{port}" reference with the port's resolved
// value.
func substitute(s string, in graph.Values) string {
	for port, v := range in {
		ref := "{" + port + "}"
		if strings.Contains(s, ref) {
			s = strings.ReplaceAll(s, ref, valueString(v))
		}
	}
	return s
}

// valueString renders a port value for a command line. Sequences join
// with spaces, matching how the wrapped tools take repeated arguments.
func valueString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []string:
		return strings.Join(x, " ")
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = valueString(e)
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// checkRefs verifies every "{port}" reference in s names a declared
// input.
func checkRefs(s string, ins graph.Ports) error {
	rest := s
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil
		}
		name := rest[open+1 : open+end]
		if _, ok := ins.Lookup(name); !ok {
			return pkgerrors.Errorf("reference '{%s}' names no declared input", name)
		}
		rest = rest[open+end+1:]
	}
}
