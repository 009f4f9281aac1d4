package main

import (
	"fmt"
	"net/netip"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
	"github.com/kuuji/linkmesh/internal/controladmin"
	"github.com/kuuji/linkmesh/internal/controlclient"
	"github.com/kuuji/linkmesh/internal/device"
	"github.com/kuuji/linkmesh/internal/netmgr"
	"github.com/kuuji/linkmesh/internal/tundev"
	"github.com/kuuji/linkmesh/internal/tunnel"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

var (
	upTunName      string
	upServer       string
	upHostname     string
	upToken        string
	upEndpointAddr string
	upPort         uint16
	upListenAddr   string
	upNoNATUDP     bool
	upNoNATTCP     bool
	upRelayURL     string
	upExitIface    string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect to the mesh network",
	Long: `Start the linkmesh agent: bring up the TUN device, connect to the
headlink server, and maintain sessions with every announced peer.

Requires CAP_NET_ADMIN to create the TUN device and configure routes.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upTunName, "tun-name", "", "TUN interface name (default: platform default)")
	upCmd.Flags().StringVar(&upServer, "server", "", "headlink server host:port (overrides config)")
	upCmd.Flags().StringVar(&upHostname, "hostname", "", "this device's hostname (overrides config)")
	upCmd.Flags().StringVar(&upToken, "token", "", "network join token (overrides config)")
	upCmd.Flags().StringVar(&upEndpointAddr, "endpoint-addr", "", "direct-UDP endpoint address to advertise")
	upCmd.Flags().Uint16Var(&upPort, "port", 0, "direct-UDP listen port (0: let the kernel choose)")
	upCmd.Flags().StringVar(&upListenAddr, "listen-addr", controladmin.DefaultAddr, "admin API listen address")
	upCmd.Flags().BoolVar(&upNoNATUDP, "no-nat-udp", false, "disable the STUN/UPnP NAT-UDP transport")
	upCmd.Flags().BoolVar(&upNoNATTCP, "no-nat-tcp", false, "disable the NAT-TCP transport")
	upCmd.Flags().StringVar(&upRelayURL, "relay-server", "", "relay server wss:// URL for the last-resort fallback")
	upCmd.Flags().StringVar(&upExitIface, "exit-node-iface", "", "act as an exit node: masquerade mesh traffic out this interface (e.g. eth0)")
}

func runUp(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w (run 'linkmesh init' first)", cfgPath, err)
	}

	// Flags override the persisted config for this run only.
	if upServer != "" {
		cfg.Network.Server = upServer
	}
	if upHostname != "" {
		cfg.Device.Hostname = upHostname
	}
	if upToken != "" {
		cfg.Network.Token = upToken
	}
	if upTunName != "" {
		cfg.Device.TunName = upTunName
	}
	if upEndpointAddr != "" {
		cfg.Device.EndpointAddr = upEndpointAddr
	}
	if upPort != 0 {
		cfg.Device.Port = upPort
	}
	if upListenAddr != "" && upListenAddr != controladmin.DefaultAddr {
		cfg.Device.ListenAddr = upListenAddr
	}

	if err := validateUpConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	local := wgcrypto.NewLocalSecret(cfg.Device.PrivateKey)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The kernel TUN interface needs this peer's assigned address and
	// subnet before it can come up, and those are only known after the
	// first successful ReqConfig round trip — so netmgr creates it lazily
	// via this factory rather than up front.
	var tun *tundev.Device
	tunFactory := func(self netip.Addr, subnet netip.Prefix) (device.Tun, error) {
		d, err := tundev.New(cfg.Device.TunName, self, subnet, globalLogger)
		if err != nil {
			return nil, err
		}
		tun = d
		return d, nil
	}
	defer func() {
		if tun != nil {
			tun.Close()
		}
	}()

	client := controlclient.NewClient(controlclient.Config{
		ServerAddr: cfg.Network.Server,
		Local:      local,
		Token:      cfg.Network.Token,
		Logger:     globalLogger,
	})

	var extras []netmgr.ExtraTransport
	if !upNoNATUDP && len(cfg.STUN.Servers) > 0 {
		extras = append(extras, netmgr.NATUDPExtraTransport(int(cfg.Device.Port), stunHostPort(cfg.STUN.Servers[0]), globalLogger))
	}
	if !upNoNATTCP {
		extras = append(extras, netmgr.NATTCPExtraTransport(fmt.Sprintf(":%d", natTCPPort(cfg.Device.Port)), globalLogger))
	}

	var nat *tunnel.NATManager
	if upExitIface != "" {
		nat = tunnel.NewNATManager(globalLogger)
		defer nat.Cleanup()
	}

	mgr := netmgr.New(netmgr.Config{
		Local:           local,
		Tun:             tunFactory,
		Hostname:        cfg.Device.Hostname,
		Port:            uint32(cfg.Device.Port),
		EndpointAddr:    cfg.Device.EndpointAddr,
		ExtraTransports: extras,
		RelayServerURL:  upRelayURL,
		Persist: func(resp wireproto.RespConfig) error {
			subnet := fmt.Sprintf("%s/%d", resp.NetworkBase, resp.Netmask)
			cfg.Device.Address = fmt.Sprintf("%s/%d", resp.IP, resp.Netmask)
			if nat != nil {
				if err := nat.SetupMasquerade(subnet, upExitIface); err != nil {
					globalLogger.Warn("setting up exit-node masquerade failed", "error", err)
				}
			}
			return config.SaveConfig(cfgPath, cfg)
		},
		Logger: globalLogger,
	}, client)

	admin := controladmin.NewServer(cfg.Device.ListenAddr, func() controladmin.Status {
		return controladmin.Status{
			Hostname: cfg.Device.Hostname,
			Address:  cfg.Device.Address,
			Server:   cfg.Network.Server,
		}
	}, globalLogger)
	if err := admin.Start(); err != nil {
		return fmt.Errorf("starting admin server: %w", err)
	}
	defer admin.Stop()

	globalLogger.Info("starting linkmesh", "config", cfgPath, "server", cfg.Network.Server)

	if err := mgr.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("linkmesh stopped")
			return nil
		}
		return fmt.Errorf("agent error: %w", err)
	}
	return nil
}

func validateUpConfig(cfg *config.Config) error {
	if cfg.Network.Server == "" {
		return fmt.Errorf("network.server is required (--server)")
	}
	if cfg.Device.Hostname == "" {
		return fmt.Errorf("device.hostname is required (--hostname)")
	}
	if cfg.Device.PrivateKey.IsZero() {
		return fmt.Errorf("device.private_key is required (run 'linkmesh init')")
	}
	return nil
}

// stunHostPort strips a "stun:" scheme prefix, since config.STUNConfig
// stores servers as "stun:host:port" URIs but
// internal/transport/natudp wants a bare "host:port".
func stunHostPort(server string) string {
	return strings.TrimPrefix(server, "stun:")
}

// natTCPPort derives the NAT-TCP listen port from the configured direct-UDP
// port, offset by one so the two don't collide when both are pinned.
func natTCPPort(udpPort uint16) uint16 {
	if udpPort == 0 {
		return 0
	}
	return udpPort + 1
}
