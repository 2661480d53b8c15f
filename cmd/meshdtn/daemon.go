package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Operative-001/meshdtn/internal/api"
	"github.com/Operative-001/meshdtn/internal/identity"
	"github.com/Operative-001/meshdtn/internal/node"
	"github.com/Operative-001/meshdtn/internal/protocol"
	"github.com/Operative-001/meshdtn/internal/store"
	"github.com/Operative-001/meshdtn/internal/transport"
)

// console prints engine notifications and persists the DTN queue on every
// change.
type console struct {
	node.NopObserver
	log   *logrus.Entry
	store *store.Store

	mu    sync.Mutex
	names map[string]string
}

func (c *console) PeersUpdated(peers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, name := range peers {
		c.names[id] = name
	}
}

func (c *console) name(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.names[id]; ok {
		return n
	}
	return id
}

func (c *console) QueueChanged(q []protocol.Bundle) {
	if err := c.store.SaveQueue(q); err != nil {
		c.log.WithError(err).Warn("Failed to persist DTN queue")
	}
}

func (c *console) LeaderChanged(leader bool) {
	if leader {
		fmt.Print("\n👑 This node is now the mesh leader\n> ")
	}
}

func (c *console) AlarmRaised(source, text string) {
	fmt.Printf("\n🚨 ALARM from %s: %s\n> ", c.name(source), text)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Join the mesh and run the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.Node.Listen, _ = cmd.Flags().GetString("listen")
		}
		if cmd.Flags().Changed("bootstrap") {
			cfg.Node.Bootstrap, _ = cmd.Flags().GetStringSlice("bootstrap")
		}
		if cmd.Flags().Changed("api") {
			cfg.API.Listen, _ = cmd.Flags().GetString("api")
			if cfg.API.Listen == "off" {
				cfg.API.Listen = ""
			}
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		log := logger.WithField("component", "daemon")

		if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
			return err
		}
		idPath := identity.Path(cfg.Node.DataDir)
		id, err := identity.LoadOrCreate(cfg.Node.DataDir)
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}

		st, err := store.Open(cfg.Node.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		saved, err := st.LoadQueue()
		if err != nil {
			log.WithError(err).Warn("Discarding unreadable DTN snapshot")
			saved = nil
		}

		obs := &console{log: log, store: st, names: make(map[string]string)}
		tr := transport.NewTCP(cfg.Node.Listen, logger)
		n, err := node.New(node.Config{
			NodeID:       id.NodeID,
			Name:         id.DisplayName,
			Transport:    tr,
			Bootstrap:    cfg.Node.Bootstrap,
			Protocol:     cfg.Protocol,
			Observer:     obs,
			Logger:       logger,
			InitialQueue: saved,
		})
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		defer n.Stop()

		go func() {
			for b := range n.Messages() {
				msg := store.ChatMessage{PeerID: b.SenderID, Text: b.Content, Timestamp: b.Timestamp}
				if err := st.AppendHistory(msg); err != nil {
					log.WithError(err).Warn("Failed to record received message")
				}
				fmt.Printf("\n📨 [%s] %s\n> ", obs.name(b.SenderID), b.Content)
			}
		}()

		var srv *http.Server
		if cfg.API.Listen != "" {
			srv = &http.Server{
				Addr:              cfg.API.Listen,
				Handler:           api.New(n, st, logger).Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("API server stopped")
				}
			}()
		}

		fmt.Printf("\n  meshdtn\n\n")
		fmt.Printf("  Node id   : %s\n", id.NodeID)
		fmt.Printf("  Name      : %s\n", id.DisplayName)
		fmt.Printf("  Listening : %s\n", cfg.Node.Listen)
		if cfg.API.Listen != "" {
			fmt.Printf("  API       : http://%s\n", cfg.API.Listen)
		}
		fmt.Printf("  Data      : %s\n", cfg.Node.DataDir)
		if len(cfg.Node.Bootstrap) > 0 {
			fmt.Printf("  Bootstrap : %s\n", strings.Join(cfg.Node.Bootstrap, ", "))
		}
		if len(saved) > 0 {
			fmt.Printf("  Restored  : %d buffered bundle(s)\n", len(saved))
		}
		fmt.Printf("\n  Commands: send <id> <text> | alarm <text> | name <new> | status | tree | peers | queue\n\n")

		fmt.Print("> ")
		go runConsole(n, st, id, idPath)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down.")

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx) //nolint:errcheck
		}
		if q, err := n.QueueSnapshot(); err == nil {
			if err := st.SaveQueue(q); err != nil {
				log.WithError(err).Warn("Failed to persist DTN queue")
			}
		}
		return nil
	},
}

func runConsole(n *node.Node, st *store.Store, id *identity.Identity, idPath string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "send":
			if len(parts) < 3 {
				fmt.Println("usage: send <id> <text>")
				break
			}
			b, err := n.Send(parts[1], parts[2])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			msg := store.ChatMessage{PeerID: parts[1], Text: parts[2], FromMe: true, Timestamp: b.Timestamp}
			if err := st.AppendHistory(msg); err != nil {
				fmt.Printf("warning: history not saved: %v\n", err)
			}
			fmt.Printf("✓ sent (%s)\n", short(b.ID))
		case "alarm":
			text := strings.TrimSpace(strings.TrimPrefix(line, "alarm"))
			if err := n.Alarm(text); err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			fmt.Println("✓ alarm raised")
		case "name":
			name := strings.TrimSpace(strings.TrimPrefix(line, "name"))
			if err := id.Rename(idPath, name); err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			if err := n.Rename(name); err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			fmt.Printf("✓ display name is now '%s'\n", name)
		case "status":
			if s, err := n.Status(); err == nil {
				printStatus(s)
			}
		case "tree":
			if s, err := n.Status(); err == nil {
				if s.Tree == "" {
					fmt.Println("no tree yet")
				} else {
					fmt.Print(s.Tree)
				}
			}
		case "peers":
			if s, err := n.Status(); err == nil {
				ids := make([]string, 0, len(s.Peers))
				for pid := range s.Peers {
					ids = append(ids, pid)
				}
				sort.Strings(ids)
				for _, pid := range ids {
					fmt.Printf("  %-10s %s\n", pid, s.Peers[pid])
				}
			}
		case "queue":
			if q, err := n.QueueSnapshot(); err == nil {
				for _, b := range q {
					fmt.Printf("  %s → %s  %q\n", short(b.ID), b.DestinationID, b.Content)
				}
				fmt.Printf("%d buffered\n", len(q))
			}
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
		fmt.Print("> ")
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
