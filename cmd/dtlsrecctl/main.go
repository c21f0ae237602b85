// Command dtlsrecctl is an operator tool for manually exercising a
// recordlayer.Layer's receive and transmit paths against a real UDP
// socket. It is not part of the library's public API surface.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	recordlayer "github.com/vellum-tls/dtlsrecord"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dtlsrecctl",
		Short: "Drive a DTLS record layer over a UDP socket",
		Long: `dtlsrecctl opens a UDP socket and drives a recordlayer.Layer's
GetMoreRecords/WriteRecords entry points directly, for manually exercising
the receive and transmit paths against real or simulated traffic.`,
	}
	root.AddCommand(newListenCommand(), newSendCommand())
	return root
}

// commonFlags is registered once per command, at construction time,
// into the returned pointers; RunE closures read those pointers back
// rather than registering the flags a second time against the same
// FlagSet, which would panic with "flag redefined".
type commonFlags struct {
	laddr        *string
	settingsPath *string
	maxFrag      *int
}

func addCommonFlags(fs *pflag.FlagSet) commonFlags {
	return commonFlags{
		laddr:        fs.String("listen", ":0", "local UDP address to bind"),
		settingsPath: fs.String("settings", "", "optional YAML settings file (see recordlayer.Settings)"),
		maxFrag:      fs.Int("max-fragment-length", 1<<14, "negotiated max fragment length"),
	}
}

func loadSettings(path string, maxFrag int) (recordlayer.Settings, error) {
	if path == "" {
		s := recordlayer.DefaultSettings()
		s.MaxFragmentLength = maxFrag
		return s, s.Validate()
	}
	return recordlayer.LoadSettingsFile(path)
}

func newListenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Listen for DTLS records on a UDP socket and print decoded records",
	}
	flags := addCommonFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(*flags.settingsPath, *flags.maxFrag)
		if err != nil {
			return err
		}

		udpAddr, err := net.ResolveUDPAddr("udp", *flags.laddr)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return err
		}
		defer conn.Close()

		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		peerBuf := make([]byte, 1)
		_, peer, err := conn.ReadFrom(peerBuf)
		if err != nil {
			return fmt.Errorf("waiting for first datagram: %w", err)
		}

		transport := recordlayer.NewPacketConnTransport(conn, peer)
		sink := recordlayer.NewSink(logger, nil)
		layer, err := recordlayer.NewLayer(transport, sink, settings)
		if err != nil {
			return err
		}
		layer.SetVersion(recordlayer.VersionDTLS12)

		for {
			status, err := layer.GetMoreRecords()
			if err != nil {
				return err
			}
			switch status {
			case recordlayer.StatusSuccess:
				ct, data, epoch, seq, ok := layer.ReadRecord()
				if ok {
					fmt.Printf("record: type=%d epoch=%d seq=%x len=%d\n", ct, epoch, seq, len(data))
				}
				layer.ReleaseRecord()
			case recordlayer.StatusFatal:
				return fmt.Errorf("fatal alert: %s", layer.LastAlert())
			}
		}
	}
	return cmd
}

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <host:port>",
		Short: "Send a single application-data DTLS record to a peer",
		Args:  cobra.ExactArgs(1),
	}
	flags := addCommonFlags(cmd.Flags())
	payload := cmd.Flags().String("payload", "hello", "application-data payload to send")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(*flags.settingsPath, *flags.maxFrag)
		if err != nil {
			return err
		}

		peerAddr, err := net.ResolveUDPAddr("udp", args[0])
		if err != nil {
			return err
		}
		localAddr, err := net.ResolveUDPAddr("udp", *flags.laddr)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", localAddr)
		if err != nil {
			return err
		}
		defer conn.Close()

		transport := recordlayer.NewPacketConnTransport(conn, peerAddr)
		layer, err := recordlayer.NewLayer(transport, nil, settings)
		if err != nil {
			return err
		}
		layer.SetVersion(recordlayer.VersionDTLS12)

		_, status, err := layer.WriteRecords([]recordlayer.WriteTemplate{{
			Type:    recordlayer.ContentTypeApplicationData,
			Payload: []byte(*payload),
		}})
		if err != nil {
			return err
		}
		if status != recordlayer.StatusSuccess {
			return fmt.Errorf("unexpected write status: %s", status)
		}
		return nil
	}
	return cmd
}
