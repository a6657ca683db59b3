// ABOUTME: Clock sync probe for Sendspin servers
// ABOUTME: Handshakes with a server and reports offset, round trip and sync quality
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Sendspin/sendspin-native/internal/connection"
	"github.com/Sendspin/sendspin-native/internal/discovery"
	"github.com/Sendspin/sendspin-native/internal/logging"
	"github.com/Sendspin/sendspin-native/internal/sync"
	"github.com/Sendspin/sendspin-native/internal/version"
	"github.com/Sendspin/sendspin-native/pkg/protocol"
)

var (
	serverAddr string
	name       string
	rounds     int
	interval   time.Duration
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "clock-probe",
	Short:        "Measure clock offset against a Sendspin server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return probe(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverAddr, "server", "", "server address host:port (default: discover via mDNS)")
	rootCmd.Flags().StringVar(&name, "name", "clock-probe", "player name sent in the hello")
	rootCmd.Flags().IntVar(&rounds, "rounds", 10, "number of time sync exchanges")
	rootCmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "delay between exchanges")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func probe(ctx context.Context) error {
	logger, err := logging.New(logLevel, "")
	if err != nil {
		return err
	}
	defer logger.Sync()

	var ep connection.Endpoint
	if serverAddr != "" {
		if ep, err = connection.ParseEndpoint(serverAddr); err != nil {
			return err
		}
	} else {
		if ep, err = discovery.NewResolver(discovery.DefaultConfig(), logger.Named("discovery")).Resolve(ctx); err != nil {
			return err
		}
	}

	format := protocol.AudioFormat{Codec: "pcm", SampleRate: 48000, BitDepth: 16, Channels: 2}
	hello := protocol.ClientHello{
		ClientID:       uuid.NewString(),
		Name:           name,
		Version:        version.ProtocolVersion,
		SupportedRoles: []string{protocol.RolePlayer},
		DeviceInfo: &protocol.DeviceInfo{
			ProductName:     version.Product,
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
		PlayerSupport: &protocol.PlayerSupport{
			SupportedFormats:  []protocol.AudioFormat{format},
			BufferCapacity:    1 << 20,
			SupportedCommands: []string{protocol.CommandPlay, protocol.CommandStop},
		},
	}

	manager := connection.NewManager(connection.DefaultConfig(), logger.Named("connection"))
	defer manager.Close()

	fmt.Printf("Connecting to %s as %q...\n", ep, name)
	started := time.Now()
	conn, serverHello, err := manager.Connect(ctx, ep, hello)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.SendGoodbye("user_request")
		conn.Close()
	}()
	fmt.Printf("Connected to %s in %v (session %s)\n\n", serverHello.Name, time.Since(started).Round(time.Millisecond), serverHello.SessionID)
	conn.Start()

	clock := sync.NewClockSync(logger.Named("sync"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	send := func() error { return conn.SendTimeSync(clock.ClientMicros()) }
	if err := send(); err != nil {
		return err
	}

	for done := 0; done < rounds; {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return fmt.Errorf("connection closed: %w", conn.Err())
		case <-conn.Data:
			// audio is not rendered
		case resp := <-conn.TimeSync:
			t4 := clock.ClientMicros()
			clock.ProcessSyncResponse(resp.ClientTransmitted, resp.ServerReceived, resp.ServerTransmitted, t4)
			offset, rtt, quality := clock.Stats()
			done++
			fmt.Printf("#%-3d offset %+8dµs  rtt %6dµs  %s\n", done, offset, rtt, quality)
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}

	offset, rtt, quality := clock.Stats()
	fmt.Printf("\nFinal: offset %+dµs, rtt %dµs, quality %s\n", offset, rtt, quality)
	return nil
}
