package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Operative-001/meshdtn/internal/config"
	"github.com/Operative-001/meshdtn/internal/identity"
	"github.com/Operative-001/meshdtn/internal/node"
	"github.com/Operative-001/meshdtn/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "meshdtn",
	Short: "Serverless mesh chat that keeps messages until they can be delivered.",
	Long: `meshdtn — ad-hoc mesh messaging.

Nodes elect a leader and build a spanning tree over whatever links exist.
Messages follow the tree when the destination is reachable and are held
and sprayed to neighbors when it is not.`,
	SilenceUsage: true,
}

// loadConfig reads --config if given, then applies --data.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("data") {
		cfg.Node.DataDir, _ = cmd.Flags().GetString("data")
	}
	return cfg, nil
}

func newLogger(c config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	if c.Level != "" {
		lvl, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		logger.SetLevel(lvl)
	}
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// ─── init ────────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		path := identity.Path(cfg.Node.DataDir)

		if existing, err := identity.Load(path); err == nil {
			fmt.Printf("Identity already exists at %s\n", path)
			fmt.Printf("  Node id : %s\n  Name    : %s\n", existing.NodeID, existing.DisplayName)
			return nil
		}

		id := identity.Generate(strings.TrimSpace(name))
		if err := id.Save(path); err != nil {
			return err
		}
		fmt.Printf("\n✓ Identity created\n")
		fmt.Printf("  Node id  : %s\n", id.NodeID)
		fmt.Printf("  Name     : %s\n", id.DisplayName)
		fmt.Printf("  Saved to : %s\n\n", path)
		fmt.Println("Run 'meshdtn daemon' to join the mesh.")
		return nil
	},
}

// ─── status ──────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status (from the running daemon if reachable)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		var st node.Status
		if err := getJSON(cfg.API.Listen, "/status", &st); err == nil {
			printStatus(st)
			return nil
		}

		id, err := identity.Load(identity.Path(cfg.Node.DataDir))
		if err != nil {
			fmt.Println("No identity found. Run 'meshdtn init' to create one.")
			return nil
		}
		fmt.Printf("Node id : %s\n", id.NodeID)
		fmt.Printf("Name    : %s\n", id.DisplayName)
		fmt.Println("Daemon  : not running")
		return nil
	},
}

func printStatus(st node.Status) {
	role := "member"
	if st.Leader {
		role = "leader"
	}
	fmt.Printf("Node id   : %s\n", st.ID)
	fmt.Printf("Name      : %s\n", st.Name)
	fmt.Printf("Role      : %s (round %s)\n", role, st.Round)
	if st.Root != "" {
		fmt.Printf("Tree root : %s\n", st.Root)
	}
	if st.Parent != "" {
		fmt.Printf("Parent    : %s\n", st.Parent)
	}
	fmt.Printf("Neighbors : %s (%d links)\n", strings.Join(st.Neighbors, ", "), st.Links)
	fmt.Printf("DTN queue : %d/%d\n", st.QueueDepth, st.QueueCapacity)
	fmt.Printf("Peers     : %d\n", len(st.Peers))
	for id, name := range st.Peers {
		fmt.Printf("  %-10s %s\n", id, name)
	}
	if st.Tree != "" {
		fmt.Printf("\n%s", st.Tree)
	}
}

// ─── rename ──────────────────────────────────────────────────────────────────

var renameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Change the display name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := identity.Path(cfg.Node.DataDir)
		id, err := identity.Load(path)
		if err != nil {
			return fmt.Errorf("%w: run 'meshdtn init' first", err)
		}
		if err := id.Rename(path, strings.Join(args, " ")); err != nil {
			return err
		}
		fmt.Printf("✓ Display name is now '%s'\n", id.DisplayName)
		fmt.Println("A running daemon picks this up on restart; use 'name' in its console to apply it now.")
		return nil
	},
}

// ─── history ─────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Show the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		var msgs []store.ChatMessage
		if err := getJSON(cfg.API.Listen, "/history/"+args[0], &msgs); err != nil {
			st, err := store.Open(cfg.Node.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if msgs, err = st.History(args[0]); err != nil {
				return err
			}
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			who := args[0]
			if m.FromMe {
				who = "me"
			}
			ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05")
			fmt.Printf("[%s] %s: %s\n", ts, who, m.Text)
		}
		return nil
	},
}

// getJSON fetches path from the daemon's local API.
func getJSON(addr, path string, v any) error {
	if addr == "" {
		return fmt.Errorf("api disabled")
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func init() {
	for _, cmd := range []*cobra.Command{initCmd, daemonCmd, statusCmd, renameCmd, historyCmd} {
		cmd.Flags().String("data", config.Default().Node.DataDir, "Data directory (~/.meshdtn)")
		cmd.Flags().String("config", "", "YAML config file")
	}
	initCmd.Flags().String("name", "", "Display name (default User_<id prefix>)")

	daemonCmd.Flags().String("listen", "", "TCP listen address for peer links (overrides config)")
	daemonCmd.Flags().StringSlice("bootstrap", nil, "Peer addresses to connect to (host:port)")
	daemonCmd.Flags().String("api", "", "HTTP API listen address (overrides config, \"off\" disables)")

	rootCmd.AddCommand(initCmd, daemonCmd, statusCmd, renameCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
