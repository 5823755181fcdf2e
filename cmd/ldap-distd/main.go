// Package main is the ldap-distd entry point: it parses configuration,
// connects and binds the shared LDAP client, builds the configured helper
// controllers and runs them under a daemon context, either periodically
// (serve) or once (run).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ldaptools/ldap-distd/internal/daemon"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
	"github.com/ldaptools/ldap-distd/internal/options"
	"github.com/ldaptools/ldap-distd/internal/retry"
	"github.com/ldaptools/ldap-distd/internal/version"
	"github.com/ldaptools/ldap-distd/internal/web"

	// Helper registrations.
	_ "github.com/ldaptools/ldap-distd/internal/helpers/homedir"
	_ "github.com/ldaptools/ldap-distd/internal/helpers/mailforward"
	_ "github.com/ldaptools/ldap-distd/internal/helpers/opennms"
	_ "github.com/ldaptools/ldap-distd/internal/helpers/purge"
	_ "github.com/ldaptools/ldap-distd/internal/helpers/sshkeys"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ldap-distd",
	Short: "Periodic LDAP distribution daemon",
	Long:  "ldap-distd periodically queries an LDAP directory and dispatches matching entries to side-effect helpers (SSH keys, mail forwards, home directories, OpenNMS configuration).",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the helpers periodically until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(false)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured helper once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(true)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.FormatVersion())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(once bool) error {
	opts, err := options.Parse()
	if err != nil {
		return err
	}
	log.Logger = log.Logger.Level(opts.LogLevel)

	log.Info().Msgf("ldap-distd %s starting...", version.FormatVersion())

	rules, err := options.LoadRules(opts.RulesPath)
	if err != nil {
		return err
	}

	ctrls, err := rules.Controllers()
	if err != nil {
		return err
	}
	if len(ctrls) == 0 {
		return fmt.Errorf("no helpers configured in %s", opts.RulesPath)
	}

	client, err := connect(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	d := daemon.New(client)
	for _, ctrl := range ctrls {
		d.AddHelper(ctrl)
		log.Info().
			Str("helper", ctrl.Name).
			Str("implementation", ctrl.HelperID()).
			Dur("interval", ctrl.Interval).
			Msg("helper configured")
	}

	if once {
		return d.Run()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.StatusAddr != "" {
		app := web.NewApp(d)
		go func() {
			if err := app.Listen(ctx, opts.StatusAddr); err != nil {
				log.Error().Err(err).Msg("status listener failed")
			}
		}()
	}

	completion := d.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		d.Stop()

		return <-completion
	case err := <-completion:
		return err
	}
}

// connect dials the directory and binds, retrying with backoff so a
// restarting directory server does not take the daemon down with it.
func connect(opts *options.Opts) (*ldapclient.Conn, error) {
	var client *ldapclient.Conn

	err := retry.Do(context.Background(), retry.LDAPConfig(), func() error {
		conn, err := ldapclient.Connect(opts.LDAPURI)
		if err != nil {
			return err
		}

		switch opts.BindMethod {
		case options.BindGSSAPI:
			err = conn.SASLGssapiBind("")
		case options.BindAnonymous:
			err = conn.SimpleBind("", "")
		default:
			err = conn.SimpleBind(opts.BindDN, opts.BindPassword)
		}
		if err != nil {
			conn.Close()

			return err
		}

		client = conn

		return nil
	})
	if err != nil {
		return nil, err
	}

	return client, nil
}
