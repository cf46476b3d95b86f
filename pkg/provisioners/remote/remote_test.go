package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cascade/pkg/engine"
)

// provisionScript emulates a remote provisioning command. It reads the
// request file and writes outputs derived from it.
func provisionScript(command string, stdout, stderr io.Writer) uint32 {
	args := strings.Fields(command)
	if len(args) != 3 {
		fmt.Fprintf(stderr, "usage: provision <request> <outputs>")
		return 2
	}
	reqPath := strings.Trim(args[1], "'")
	outPath := strings.Trim(args[2], "'")

	data, err := os.ReadFile(reqPath)
	if err != nil {
		fmt.Fprint(stderr, err.Error())
		return 1
	}
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		fmt.Fprint(stderr, err.Error())
		return 1
	}

	switch args[0] {
	case "provision":
		out, _ := json.Marshal(map[string]any{
			"id":    req.Group + "-1",
			"size":  req.Inputs["size"],
			"owner": req.Tags["Team"],
		})
		if err := os.WriteFile(outPath, out, 0o600); err != nil {
			fmt.Fprint(stderr, err.Error())
			return 1
		}
		fmt.Fprint(stdout, "provisioned "+req.Group)
		return 0
	case "noop":
		return 0
	case "garbage":
		_ = os.WriteFile(outPath, []byte("[1, 2"), 0o600)
		return 0
	case "busy":
		fmt.Fprint(stderr, "lock held")
		return ExitTempFail
	default:
		fmt.Fprint(stderr, "quota exceeded")
		return 1
	}
}

func testConfig(t *testing.T, server *testSSHServer, command string) *Config {
	t.Helper()
	host, port := server.hostPort(t)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "testpass"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.Command = command
	cfg.WorkDir = t.TempDir()
	return cfg
}

func TestProvisioner_Apply(t *testing.T) {
	server := newTestSSHServer(t, provisionScript)
	cfg := testConfig(t, server, "provision")

	p, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	out, err := p.Apply(context.Background(), "database",
		map[string]any{"size": 3}, map[string]string{"Team": "payments"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "database-1", "size": float64(3), "owner": "payments"}, out)

	commands := server.executed()
	require.Len(t, commands, 1)
	assert.True(t, strings.HasPrefix(commands[0], "provision '"+cfg.WorkDir+"/database-"), commands[0])

	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "request files should be cleaned up")
}

func TestProvisioner_KeepFiles(t *testing.T) {
	server := newTestSSHServer(t, provisionScript)
	cfg := testConfig(t, server, "provision")
	cfg.KeepFiles = true

	p, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Apply(context.Background(), "network", map[string]any{}, nil)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(cfg.WorkDir, "network-*", requestFile))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"group":"network","inputs":{},"tags":null}`, string(data))
}

func TestProvisioner_ReusesConnection(t *testing.T) {
	server := newTestSSHServer(t, provisionScript)
	p, err := New(testConfig(t, server, "provision"), zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, group := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(group string) {
			defer wg.Done()
			if _, err := p.Apply(context.Background(), group, nil, nil); err != nil {
				errs <- err
			}
		}(group)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Apply failed: %v", err)
	}
	assert.Equal(t, 1, server.connections())
	assert.Len(t, server.executed(), 4)
}

func TestProvisioner_Failures(t *testing.T) {
	tests := []struct {
		name          string
		command       string
		wantTransient bool
		wantOutputs   map[string]any
	}{
		{name: "no outputs file", command: "noop", wantOutputs: map[string]any{}},
		{name: "temporary failure", command: "busy", wantTransient: true},
		{name: "permanent failure", command: "explode"},
		{name: "invalid outputs", command: "garbage"},
	}

	server := newTestSSHServer(t, provisionScript)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(testConfig(t, server, tt.command), zerolog.Nop())
			require.NoError(t, err)
			defer p.Close()

			out, err := p.Apply(context.Background(), "g", nil, nil)
			if tt.wantOutputs != nil {
				require.NoError(t, err)
				assert.Equal(t, tt.wantOutputs, out)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, engine.IsTransient(err), err.Error())
			assert.Equal(t, !tt.wantTransient, engine.IsPermanent(err), err.Error())
		})
	}
}

func TestProvisioner_AuthFailureIsPermanent(t *testing.T) {
	server := newTestSSHServer(t, provisionScript)
	cfg := testConfig(t, server, "provision")
	cfg.Password = "wrong"

	p, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = p.Apply(context.Background(), "g", nil, nil)
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err), err.Error())
	assert.Empty(t, server.executed())
}

func TestProvisioner_ConnectionRefusedIsTransient(t *testing.T) {
	server := newTestSSHServer(t, provisionScript)
	cfg := testConfig(t, server, "provision")
	require.NoError(t, server.listener.Close())

	p, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = p.Apply(context.Background(), "g", nil, nil)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err), err.Error())
}

func TestConfigValidation(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))

	valid := func() *Config {
		cfg := DefaultConfig("example.com", "deploy")
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = "secret"
		cfg.Command = "/usr/local/bin/provision"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "missing host", modify: func(c *Config) { c.Host = "" }, wantErr: "host is required"},
		{name: "bad port", modify: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "missing user", modify: func(c *Config) { c.User = "" }, wantErr: "user is required"},
		{name: "missing password", modify: func(c *Config) { c.Password = "" }, wantErr: "password is required"},
		{name: "key auth", modify: func(c *Config) { c.AuthMethod = AuthMethodKey; c.PrivateKeyPath = keyPath }},
		{name: "missing key file", modify: func(c *Config) {
			c.AuthMethod = AuthMethodKey
			c.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
		}, wantErr: "private key file not found"},
		{name: "unknown auth", modify: func(c *Config) { c.AuthMethod = "kerberos" }, wantErr: "unsupported auth method"},
		{name: "zero timeout", modify: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: "connection timeout"},
		{name: "missing command", modify: func(c *Config) { c.Command = "" }, wantErr: "command is required"},
		{name: "relative work dir", modify: func(c *Config) { c.WorkDir = "tmp" }, wantErr: "work dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigAddress(t *testing.T) {
	cfg := DefaultConfig("10.0.0.5", "deploy")
	assert.Equal(t, "10.0.0.5:22", cfg.Address())

	cfg.Host = "::1"
	cfg.Port = 2222
	assert.Equal(t, "[::1]:2222", cfg.Address())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/tmp/a b/request.json'`, shellQuote("/tmp/a b/request.json"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
