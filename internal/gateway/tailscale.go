// ABOUTME: Tailnet listeners for exposing the workflow API and gRPC health over tsnet
// ABOUTME: Resolves node settings from config and environment before bringing the node up

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/khiwniti/pinn-enterprise-platform/internal/config"
)

// Ports served on the tailnet when the configured addresses carry none.
const (
	defaultTailnetGRPCPort = "50061"
	defaultTailnetHTTPPort = "80"
)

var errNoAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

// tailnet is the resolved node configuration.
type tailnet struct {
	hostname  string
	stateDir  string
	authKey   string
	ephemeral bool
	grpcAddr  string
	httpAddr  string
}

// resolveTailnet fills in defaults for the tailscale node. Only the port of
// server.grpc_addr and server.http_addr is used; the tailnet picks the host.
func resolveTailnet(cfg *config.Config, getenv func(string) string, home func() (string, error)) (*tailnet, error) {
	ts := cfg.Tailscale
	tn := &tailnet{
		hostname:  ts.Hostname,
		stateDir:  ts.StateDir,
		authKey:   ts.AuthKey,
		ephemeral: ts.Ephemeral,
	}

	if tn.authKey == "" {
		tn.authKey = getenv("TS_AUTHKEY")
	}
	if tn.authKey == "" {
		return nil, errNoAuthKey
	}

	if tn.stateDir == "" {
		dir, err := home()
		if err != nil {
			return nil, fmt.Errorf("resolving tailscale state dir (set tailscale.state_dir): %w", err)
		}
		tn.stateDir = filepath.Join(dir, ".local", "share", "pinn-gateway", "tailscale")
	}

	var err error
	if tn.grpcAddr, err = tailnetAddr(cfg.Server.GRPCAddr, defaultTailnetGRPCPort); err != nil {
		return nil, fmt.Errorf("server.grpc_addr: %w", err)
	}
	if tn.httpAddr, err = tailnetAddr(cfg.Server.HTTPAddr, defaultTailnetHTTPPort); err != nil {
		return nil, fmt.Errorf("server.http_addr: %w", err)
	}
	return tn, nil
}

func tailnetAddr(configured, fallback string) (string, error) {
	if configured == "" {
		return ":" + fallback, nil
	}
	_, port, err := net.SplitHostPort(configured)
	if err != nil {
		return "", err
	}
	if port == "" || port == "0" {
		port = fallback
	}
	return ":" + port, nil
}

// setupTailnetListeners brings the tsnet node up and listens on it.
func (g *Gateway) setupTailnetListeners(ctx context.Context, tn *tailnet) (grpcLn, httpLn net.Listener, err error) {
	if err := os.MkdirAll(tn.stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tn.hostname,
		Dir:       tn.stateDir,
		Ephemeral: tn.ephemeral,
		AuthKey:   tn.authKey,
	}
	g.logger.Info("starting tailscale node", "hostname", tn.hostname, "state_dir", tn.stateDir, "ephemeral", tn.ephemeral)

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnetStatus(tn.hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tn.grpcAddr)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailnet %s: %w", tn.grpcAddr, err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", tn.httpAddr)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailnet %s: %w", tn.httpAddr, err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailnetStatus(hostname string, status *ipnstate.Status) {
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", ip, "dns_name", dnsName)
}
