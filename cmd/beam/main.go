package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/p2pbeam/beam/internal/config"
	"github.com/p2pbeam/beam/pkg/chunkstore"
	"github.com/p2pbeam/beam/pkg/session"
	"github.com/p2pbeam/beam/pkg/signaling"
	"github.com/p2pbeam/beam/pkg/transfer"
)

func main() {
	var (
		relayURL string
		roomID   string
		region   string
		network  string
	)

	cmd := &cobra.Command{
		Use:   "beam",
		Short: "Browser-grade peer to peer file transfer from the terminal",
	}
	cmd.PersistentFlags().StringVar(&relayURL, "relay", "ws://localhost:8080/ws", "Relay websocket URL")
	cmd.PersistentFlags().StringVar(&roomID, "room", "", "Room code (generated for senders when empty)")
	cmd.PersistentFlags().StringVar(&region, "region", "", "Preferred relay-assist region hint")
	cmd.PersistentFlags().StringVar(&network, "network", "", "Network type hint (wifi, ethernet, cellular)")

	sendCmd := &cobra.Command{
		Use:   "send <files...>",
		Short: "Send files to the peer in a room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), relayURL, roomID, region, network, args)
		},
	}

	var outputDir string
	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive files from the peer in a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			if roomID == "" {
				return fmt.Errorf("receive requires --room")
			}
			return runReceive(cmd.Context(), relayURL, roomID, region, network, outputDir)
		},
	}
	receiveCmd.Flags().StringVar(&outputDir, "out", ".", "Directory for received files")

	cmd.AddCommand(sendCmd)
	cmd.AddCommand(receiveCmd)

	if err := cmd.Execute(); err != nil {
		slog.Error("beam failed", "error", err)
		os.Exit(1)
	}
}

// sessionConfig resolves room membership plus the relay-assist servers the
// environment provides.
func sessionConfig(relayURL, roomID, region, network string, role signaling.Role) (session.Config, error) {
	if !signaling.ValidRoomCode(roomID) {
		return session.Config{}, fmt.Errorf("invalid room code %q", roomID)
	}
	quiet := logrus.New()
	quiet.SetLevel(logrus.WarnLevel)
	cfg := config.Load(quiet)
	return session.Config{
		RelayURL:    relayURL,
		RoomID:      roomID,
		Role:        role,
		NetworkType: network,
		RegionHint:  region,
		TurnServers: cfg.TurnServers,
		AllowSTUN:   cfg.PublicSTUNPermitted(),
	}, nil
}

func runSend(ctx context.Context, relayURL, roomID, region, network string, paths []string) error {
	if roomID == "" {
		code, err := signaling.NewRoomCode()
		if err != nil {
			return err
		}
		roomID = code
		fmt.Printf("Room code: %s\n", roomID)
	}
	cfg, err := sessionConfig(relayURL, roomID, region, network, signaling.RoleSender)
	if err != nil {
		return err
	}

	machine := transfer.NewStateMachine()
	events := &cliEvents{}
	ctrl := session.NewController(cfg, machine, events)
	defer func() {
		if err := ctrl.Close(); err != nil {
			slog.Warn("failed to close session", "error", err)
		}
	}()

	dc, err := ctrl.Connect(ctx)
	if err != nil {
		return err
	}
	slog.Info("peer connected", "room", roomID)

	sender := transfer.NewSender(dc, roomID, machine, ctrl.Settings(), events)
	if err := sender.Send(ctx, paths); err != nil {
		return err
	}
	fmt.Println("Transfer complete.")
	return nil
}

func runReceive(ctx context.Context, relayURL, roomID, region, network, outputDir string) error {
	cfg, err := sessionConfig(relayURL, roomID, region, network, signaling.RoleReceiver)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	storePath := config.Load(logrus.New()).ChunkStorePath
	if storePath == "" {
		storePath = filepath.Join(os.TempDir(), "beam-"+strings.ToLower(roomID)+".db")
	}
	store, err := chunkstore.Open(storePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close chunk store", "error", err)
		}
	}()

	machine := transfer.NewStateMachine()
	events := &cliEvents{}
	ctrl := session.NewController(cfg, machine, events)
	defer func() {
		if err := ctrl.Close(); err != nil {
			slog.Warn("failed to close session", "error", err)
		}
	}()

	// The handler must be in place before the channel opens; a frame that
	// lands first is gone.
	receiver := transfer.NewReceiver(store, roomID, outputDir, machine, events)
	ctrl.HandleMessages(func(msg webrtc.DataChannelMessage) {
		if err := receiver.HandleMessage(msg.Data); err != nil {
			slog.Warn("frame handling failed", "error", err)
		}
	})

	if _, err := ctrl.Connect(ctx); err != nil {
		return err
	}
	slog.Info("peer connected", "room", roomID)

	return waitForOutcome(ctx, machine)
}

// waitForOutcome blocks until the transfer reaches a terminal state.
func waitForOutcome(ctx context.Context, machine *transfer.StateMachine) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status := machine.Status()
			if !status.IsTerminal() {
				continue
			}
			switch status {
			case transfer.StatusCompleted:
				fmt.Println("Transfer complete.")
				return nil
			case transfer.StatusCancelled:
				fmt.Println("Transfer cancelled.")
				return nil
			default:
				return fmt.Errorf("transfer failed: %s", machine.Error())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cliEvents renders transfer progress on stdout.
type cliEvents struct{}

func (cliEvents) ConnectionState(state string) {
	slog.Info("connection state changed", "state", state)
}

func (cliEvents) Progress(p transfer.FileProgress) {
	fmt.Printf("\r%s: %5.1f%% (%s/s)   ", p.FileName, p.Percentage(), formatBytes(int64(p.Speed)))
}

func (cliEvents) FileCompleted(fileIndex int, path string) {
	fmt.Println()
	if path != "" {
		fmt.Printf("Saved %s\n", path)
	}
}

func (cliEvents) Completed(totalBytes int64) {
	fmt.Printf("Received %s total.\n", formatBytes(totalBytes))
}

func (cliEvents) Cancelled(by string, fileIndex int) {
	fmt.Println()
	if fileIndex == transfer.AllFiles {
		fmt.Printf("Transfer cancelled by %s.\n", by)
		return
	}
	fmt.Printf("File %d cancelled by %s.\n", fileIndex, by)
}

func (cliEvents) Failed(category transfer.FailureCategory, err error) {
	fmt.Println()
	slog.Error("transfer failed", "category", category, "error", err)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
