package cli

import (
	"database/sql"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/entitle/pkg/rbac/store"
)

// Options are the process-level dependencies of the command tree
type Options struct {
	Out io.Writer
	Err io.Writer
	// OpenDB connects to the permission store; defaults to PostgreSQL
	OpenDB func(url string) (*sql.DB, error)
}

type app struct {
	opts Options
	log  *logrus.Logger

	databaseURL  string
	redisURL     string
	redisPrefix  string
	redisChannel string
	remote       string
	actAs        string
	tokenURL     string
	clientID     string
	clientSecret string
	logLevel     string
	output       string
}

// NewRootCommand builds the entitlectl command tree
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.OpenDB == nil {
		opts.OpenDB = func(url string) (*sql.DB, error) {
			return store.Open(store.Config{URL: url, MaxOpenConns: 4})
		}
	}

	a := &app{opts: opts, log: logrus.New()}
	a.log.SetOutput(opts.Err)
	a.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	root := &cobra.Command{
		Use:   "entitlectl",
		Short: "Inspect and manage role-based permissions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(a.logLevel)
			if err != nil {
				return err
			}
			a.log.SetLevel(level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	f := root.PersistentFlags()
	f.StringVar(&a.databaseURL, "database-url", os.Getenv("RBAC_DATABASE_URL"), "PostgreSQL URL of the permission store")
	f.StringVar(&a.redisURL, "redis-url", os.Getenv("RBAC_REDIS_URL"), "Redis URL of the shared decision cache")
	f.StringVar(&a.redisPrefix, "redis-prefix", "rbac", "key prefix of the shared decision cache")
	f.StringVar(&a.redisChannel, "redis-channel", "rbac:invalidate", "invalidation channel of the shared decision cache")
	f.StringVar(&a.remote, "remote", os.Getenv("ENTITLE_SERVER"), "entitled base URL; switches to the HTTP API")
	f.StringVar(&a.actAs, "as", os.Getenv("ENTITLE_PRINCIPAL"), "principal to act as against --remote")
	f.StringVar(&a.tokenURL, "token-url", os.Getenv("ENTITLE_TOKEN_URL"), "OAuth2 token endpoint")
	f.StringVar(&a.clientID, "client-id", os.Getenv("ENTITLE_CLIENT_ID"), "OAuth2 client ID")
	f.StringVar(&a.clientSecret, "client-secret", os.Getenv("ENTITLE_CLIENT_SECRET"), "OAuth2 client secret")
	f.StringVar(&a.logLevel, "log-level", "warning", "log level")
	f.StringVarP(&a.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		a.newMigrateCommand(),
		a.newSeedCommand(),
		a.newCheckCommand(),
		a.newEffectiveCommand(),
		a.newInvalidateCommand(),
		a.newRolesCommand(),
		a.newAssignCommand(),
		a.newRevokeCommand(),
	)
	return root
}
