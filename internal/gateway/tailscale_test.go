// ABOUTME: Tests for tailnet node resolution and listener selection
// ABOUTME: Covers auth key and state dir fallbacks, port mapping, and the TCP path

package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func fixedHome(dir string) func() (string, error) {
	return func() (string, error) { return dir, nil }
}

func TestResolveTailnet(t *testing.T) {
	cfg := testConfig()
	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "pinn"
	cfg.Tailscale.AuthKey = "tskey-config"
	cfg.Tailscale.StateDir = "/var/lib/pinn/ts"
	cfg.Tailscale.Ephemeral = true
	cfg.Server.GRPCAddr = "127.0.0.1:6000"
	cfg.Server.HTTPAddr = "0.0.0.0:8443"

	tn, err := resolveTailnet(cfg, noEnv, fixedHome("/home/x"))
	require.NoError(t, err)
	assert.Equal(t, "pinn", tn.hostname)
	assert.Equal(t, "tskey-config", tn.authKey)
	assert.Equal(t, "/var/lib/pinn/ts", tn.stateDir)
	assert.True(t, tn.ephemeral)
	assert.Equal(t, ":6000", tn.grpcAddr)
	assert.Equal(t, ":8443", tn.httpAddr)
}

func TestResolveTailnet_Defaults(t *testing.T) {
	cfg := testConfig()
	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "pinn"
	cfg.Server.GRPCAddr = ""
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	env := func(k string) string {
		if k == "TS_AUTHKEY" {
			return "tskey-env"
		}
		return ""
	}
	tn, err := resolveTailnet(cfg, env, fixedHome("/home/x"))
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", tn.authKey)
	assert.Equal(t, filepath.Join("/home/x", ".local", "share", "pinn-gateway", "tailscale"), tn.stateDir)
	assert.Equal(t, ":"+defaultTailnetGRPCPort, tn.grpcAddr)
	assert.Equal(t, ":"+defaultTailnetHTTPPort, tn.httpAddr)
}

func TestResolveTailnet_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "pinn"

	_, err := resolveTailnet(cfg, noEnv, fixedHome("/home/x"))
	assert.ErrorIs(t, err, errNoAuthKey)

	cfg.Tailscale.AuthKey = "tskey"
	_, err = resolveTailnet(cfg, noEnv, func() (string, error) { return "", errors.New("no home") })
	assert.ErrorContains(t, err, "tailscale.state_dir")

	cfg.Tailscale.StateDir = t.TempDir()
	cfg.Server.HTTPAddr = "not-an-address"
	_, err = resolveTailnet(cfg, noEnv, fixedHome("/home/x"))
	assert.ErrorContains(t, err, "server.http_addr")
}

func TestSetupListeners_TailscaleWithoutAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	cfg := testConfig()
	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "pinn"
	cfg.Tailscale.StateDir = t.TempDir()
	gw, _ := newTestGateway(t, cfg, idle)

	grpcLn, httpLn, err := gw.setupListeners(context.Background())
	assert.ErrorIs(t, err, errNoAuthKey)
	assert.Nil(t, grpcLn)
	assert.Nil(t, httpLn)
	assert.Nil(t, gw.tsnetServer, "no node is started without credentials")
}

func TestSetupListeners_TCP(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(), idle)

	grpcLn, httpLn, err := gw.setupListeners(context.Background())
	require.NoError(t, err)
	defer grpcLn.Close()
	defer httpLn.Close()

	assert.Equal(t, "tcp", grpcLn.Addr().Network())
	assert.NotEqual(t, grpcLn.Addr().String(), httpLn.Addr().String())
	assert.Nil(t, gw.tsnetServer)
}
