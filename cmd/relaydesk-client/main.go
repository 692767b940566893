// Command relaydesk-client drives the client side of the peer
// authentication handshake against a remote host or relay-mediated peer.
package main

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"

	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/relaydesk/relaydesk/internal/version"
	"github.com/relaydesk/relaydesk/lib/channel"
	"github.com/relaydesk/relaydesk/lib/peer"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

var log = logging.GetLogger()

var password string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relaydesk-client",
		Short: "relaydesk peer authentication client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Init()
		},
		RunE: runConnect,
	}

	root.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default ~/.relaydesk/config.yaml)")
	root.Flags().StringVarP(&password, "password", "p", "", "SRP password (omit for anonymous identity)")
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the relaydesk-client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		},
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg := config.Client()

	conn, err := net.Dial("tcp", cfg.ServerAddress)
	if err != nil {
		return oops.Errorf("dialing %s: %w", cfg.ServerAddress, err)
	}

	ch := channel.NewTCPChannel(conn)

	a := peer.New()
	a.SetSessionType(cfg.SessionType)

	if password != "" {
		a.SetIdentify(peer.IdentifySRP)
		a.SetUserName(cfg.UserName)
		a.SetPassword(password)
	} else {
		a.SetIdentify(peer.IdentifyAnonymous)
	}

	if cfg.PeerPublicKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.PeerPublicKeyB64)
		if err != nil {
			return oops.Errorf("decoding peer_public_key: %w", err)
		}
		a.SetPeerPublicKey(key)
	}

	result := make(chan peer.ErrorCode, 1)
	a.Start(ch, func(code peer.ErrorCode) {
		result <- code
	})

	code := <-result
	log.WithField("result", code.String()).Info("relaydesk-client: handshake finished")

	if code != peer.Success {
		conn.Close()
		return oops.Errorf("handshake failed: %s", code.String())
	}

	appChannel := a.TakeChannel()
	_ = appChannel // application traffic would continue on appChannel here.

	return nil
}
