// Package remote implements a provisioner that applies groups by running a
// command on a host over SSH.
//
// For each group the provisioner uploads a JSON request
// {"group", "inputs", "tags"} with SFTP, runs
//
//	<command> <dir>/request.json <dir>/outputs.json
//
// and reads the outputs object back from outputs.json. A missing outputs
// file means no outputs. Exit status 75 (EX_TEMPFAIL) and connection
// failures are retryable; any other non-zero status is permanent.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/engine"
)

const (
	requestFile = "request.json"
	outputsFile = "outputs.json"
)

type request struct {
	Group  string            `json:"group"`
	Inputs map[string]any    `json:"inputs"`
	Tags   map[string]string `json:"tags"`
}

// Provisioner runs the configured command for every group. The SSH
// connection is opened on first use and shared by concurrent calls.
type Provisioner struct {
	config *Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *client
}

var _ engine.Provisioner = (*Provisioner)(nil)

// New validates cfg and creates a provisioner. No connection is made until
// the first Apply.
func New(cfg *Config, logger zerolog.Logger) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote config: %w", err)
	}
	return &Provisioner{
		config: cfg,
		logger: logger.With().Str("component", "remote-provisioner").Str("host", cfg.Address()).Logger(),
	}, nil
}

// Apply uploads the request, runs the command and collects outputs.
func (p *Provisioner) Apply(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error) {
	req, err := json.Marshal(request{Group: group, Inputs: inputs, Tags: tags})
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode provision request", err).WithResource(group)
	}

	c, err := p.connect(ctx)
	if err != nil {
		return nil, p.classify(ctx, group, err)
	}

	dir := path.Join(p.config.WorkDir, group+"-"+uuid.NewString())
	reqPath := path.Join(dir, requestFile)
	outPath := path.Join(dir, outputsFile)

	if err := c.sftp.MkdirAll(dir); err != nil {
		return nil, p.classify(ctx, group, &TransportError{Op: "mkdir", Err: err, IsTemporary: true, ExitStatus: -1})
	}
	if !p.config.KeepFiles {
		defer p.cleanup(c, dir, reqPath, outPath)
	}

	if err := c.writeFile(ctx, reqPath, req); err != nil {
		return nil, p.classify(ctx, group, err)
	}

	cmd := strings.Join([]string{p.config.Command, shellQuote(reqPath), shellQuote(outPath)}, " ")
	stdout, _, err := c.run(ctx, cmd)
	if err != nil {
		return nil, p.classify(ctx, group, err)
	}
	if stdout != "" {
		p.logger.Debug().Str("group", group).Str("stdout", stdout).Msg("Remote command output")
	}

	data, err := c.readFile(ctx, outPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, p.classify(ctx, group, err)
	}

	outputs := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return outputs, nil
	}
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, engine.NewPermanentError("outputs file is not a JSON object", err).WithResource(group)
	}
	return outputs, nil
}

// connect returns the shared client, redialling when the connection died.
func (p *Provisioner) connect(ctx context.Context) (*client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if p.client.alive() {
			return p.client, nil
		}
		p.logger.Warn().Msg("Existing connection is dead, reconnecting")
		_ = p.client.close()
		p.client = nil
	}

	c, err := dial(ctx, p.config, p.logger)
	if err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

func (p *Provisioner) cleanup(c *client, dir string, files ...string) {
	for _, f := range files {
		if err := c.sftp.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn().Err(err).Str("path", f).Msg("Failed to remove remote file")
		}
	}
	if err := c.sftp.RemoveDirectory(dir); err != nil {
		p.logger.Warn().Err(err).Str("path", dir).Msg("Failed to remove remote directory")
	}
}

// classify maps transport failures onto the engine error taxonomy. Context
// errors pass through so the orchestrator can tell timeouts from
// cancellation.
func (p *Provisioner) classify(ctx context.Context, group string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("remote provisioning interrupted: %w", ctx.Err())
	}

	var te *TransportError
	if errors.As(err, &te) {
		p.logger.Warn().Err(err).Str("group", group).Str("op", te.Op).Int("exit_status", te.ExitStatus).Msg("Remote provisioning failed")
		if te.IsTemporary {
			return engine.NewTransientError("remote provisioning failed", err).WithResource(group).WithOperation(te.Op)
		}
		e := engine.NewPermanentError("remote provisioning failed", err).WithResource(group).WithOperation(te.Op)
		if te.ExitStatus >= 0 {
			e.WithDetail("exit_status", te.ExitStatus)
		}
		return e
	}
	return engine.NewPermanentError("remote provisioning failed", err).WithResource(group)
}

// Close drops the SSH connection.
func (p *Provisioner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	err := p.client.close()
	p.client = nil
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
