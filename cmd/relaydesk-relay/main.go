// Command relaydesk-relay runs the TCP relay daemon: it accepts pairs of
// already-admitted connections and forwards bytes between them until
// either side disconnects.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/relaydesk/relaydesk/internal/shutdown"
	"github.com/relaydesk/relaydesk/internal/version"
	"github.com/relaydesk/relaydesk/lib/relay"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

var log = logging.GetLogger()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relaydesk-relay",
		Short: "relaydesk TCP relay daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Init()
		},
		RunE: runRelay,
	}

	root.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default ~/.relaydesk/config.yaml)")
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the relaydesk-relay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		},
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg := config.Relay()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return oops.Errorf("listening on %s: %w", cfg.ListenAddress, err)
	}
	defer listener.Close()

	log.WithField("address", cfg.ListenAddress).Info("relaydesk-relay: listening")

	shutdown.OnInterrupt(func() {
		log.Info("relaydesk-relay: shutting down")
		listener.Close()
	})

	matcher := newPairMatcher()

	go acceptLoop(listener, matcher)

	shutdown.Wait()
	return nil
}

// acceptLoop pairs up incoming connections two at a time and starts a
// relay session for each pair. Production pairing is driven by an
// out-of-band admission/matchmaking protocol; this loop only implements
// the mechanical half this specification owns.
func acceptLoop(listener net.Listener, matcher *pairMatcher) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Debug("relaydesk-relay: accept loop ending")
			return
		}

		if peer, ok := matcher.pair(conn); ok {
			session := relay.New(conn, peer, sessionLogger{})
			session.Start()
		}
	}
}

type pairMatcher struct {
	waiting net.Conn
}

func newPairMatcher() *pairMatcher {
	return &pairMatcher{}
}

// pair matches two connections into a forwarding pair. Real admission
// logic (verifying both sides authenticated to the same session id) lives
// outside this specification's scope; this is the minimal mechanism that
// exercises the relay session type end to end.
func (m *pairMatcher) pair(conn net.Conn) (net.Conn, bool) {
	if m.waiting == nil {
		m.waiting = conn
		return nil, false
	}
	peer := m.waiting
	m.waiting = nil
	return peer, true
}

type sessionLogger struct{}

func (sessionLogger) OnSessionFinished(s *relay.Session) {
	log.WithField("bytes_transferred", s.BytesTransferred()).
		WithField("duration", s.Duration()).
		Info("relaydesk-relay: session finished")
}
