package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/buildinfo"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/config"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/hub"
)

const mdnsServiceType = "_hgnucomb._tcp"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub for a repository",
	Long: `Start the hgnucomb hub: the websocket bus agents and observers connect
to, the PTY session owner, and the executor of git and merge operations.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on")
	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().String("repo", "", "Target repository (default: current directory)")
	serveCmd.Flags().String("agent-command", "", "Agent executable to spawn")
	serveCmd.Flags().String("model", "", "Model passed to spawned agents")
	serveCmd.Flags().Bool("mdns", false, "Advertise the hub on the local network via mDNS")
	serveCmd.Flags().Bool("qr", false, "Print a QR code of the bus address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if repo, _ := cmd.Flags().GetString("repo"); repo != "" {
		cfg.RepoDir = repo
	}
	if cfg.RepoDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg.RepoDir = cwd
	}
	if agentCmd, _ := cmd.Flags().GetString("agent-command"); agentCmd != "" {
		cfg.AgentCommand = agentCmd
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.AgentModel = model
	}

	log := rootLogger(cmd, cfg.LogLevel)
	bi := buildinfo.Current()
	h := hub.New(cfg, bi.Version, log)
	srv := hub.NewServer(h)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	busURL := fmt.Sprintf("ws://%s:%d", cfg.Host, cfg.Port)
	fmt.Println(color(styleBoldCyan, "hgnucomb hub ") + bi.Version)
	fmt.Printf("  repo: %s\n  bus:  %s\n", cfg.RepoDir, busURL)

	if enabled, _ := cmd.Flags().GetBool("mdns"); enabled {
		server, err := startMDNSService(cfg.RepoDir, cfg.Port, busURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s mdns advertisement failed: %v\n", color(colorYellow, "warning:"), err)
		} else {
			defer server.Shutdown()
		}
	}
	if wantQR, _ := cmd.Flags().GetBool("qr"); wantQR {
		if err := printBusQRCode(busURL); err != nil {
			fmt.Fprintf(os.Stderr, "%s qr code failed: %v\n", color(colorYellow, "warning:"), err)
		}
	}

	return srv.ListenAndServe(ctx)
}

func startMDNSService(repoDir string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name := "hgnucomb"
	if base := strings.TrimSpace(repoDir); base != "" {
		parts := strings.Split(strings.TrimRight(base, "/"), "/")
		if last := parts[len(parts)-1]; last != "" {
			name = "hgnucomb-" + last
		}
	}
	txtRecords := []string{
		fmt.Sprintf("repo=%s", repoDir),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}

func printBusQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
