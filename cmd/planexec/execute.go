package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/reqctx"
	"github.com/hanpama/planexec/internal/resultmgr"
)

// errExecution is returned when the plan ran and produced an error result.
var errExecution = errors.New("execution failed")

type executeFlags struct {
	plan    string
	params  string
	format  string
	user    string
	timeout time.Duration
}

func (c *command) executeCommand() *cobra.Command {
	var f executeFlags
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a plan file and print its result",
		Example: `  planexec execute --plan plan.json
  planexec execute --plan plan.json --params params.yaml --format CSV`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.execute(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.plan, "plan", "", "Plan JSON file (required)")
	cmd.Flags().StringVar(&f.params, "params", "", "YAML or JSON file of plan parameters")
	cmd.Flags().StringVar(&f.format, "format", string(resultmgr.FormatPure), "Serialization format (PURE, DEFAULT, CSV, RAW)")
	cmd.Flags().StringVar(&f.user, "user", "", "Identity to execute as")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Execution timeout; 0 means none")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func (c *command) execute(cmd *cobra.Command, f executeFlags) error {
	format, err := resultmgr.ParseFormat(f.format)
	if err != nil {
		return err
	}
	data, err := afero.ReadFile(c.fs, f.plan)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	p, err := plan.Decode(data)
	if err != nil {
		return err
	}
	params, err := readParams(c.fs, f.params)
	if err != nil {
		return err
	}

	cfg, logger, err := c.load(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.Background()) }()

	ctx := cmd.Context()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	identity := authz.Anonymous()
	if f.user != "" {
		identity = authz.NewIdentity(f.user)
	}
	r, err := a.exec.Execute(ctx, p, params, identity, reqctx.New("", "cli"))
	if err != nil {
		return err
	}
	w := &streamWriter{w: c.stdout, header: http.Header{}}
	if err := resultmgr.New(logger).ManageResultWithCustomErrorCode(ctx, w, nil, r, format, "execute"); err != nil {
		return err
	}
	if w.status != http.StatusOK {
		return errExecution
	}
	return nil
}

// readParams reads a parameter file. YAML is a superset of JSON, so both
// are accepted.
func readParams(fs afero.Fs, name string) (map[string]any, error) {
	if name == "" {
		return nil, nil
	}
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	var params map[string]any
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse params %s: %w", name, err)
	}
	return params, nil
}

// streamWriter is an http.ResponseWriter over a plain stream.
type streamWriter struct {
	w      io.Writer
	header http.Header
	status int
}

func (s *streamWriter) Header() http.Header { return s.header }

func (s *streamWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
}

func (s *streamWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.w.Write(b)
}
