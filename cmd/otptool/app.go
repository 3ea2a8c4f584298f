package main

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-otp/pkg/api"
	"github.com/jeremyhahn/go-otp/pkg/config"
	"github.com/jeremyhahn/go-otp/pkg/logging"
	"github.com/jeremyhahn/go-otp/pkg/otp"
)

var errRejected = errors.New("rejected")

func secretFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "secret",
			Usage:    "The shared secret",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "base32",
			Usage: "Decode --secret from base32, as shown by authenticator apps",
		},
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "otptool",
		Usage: "Generate and validate time-based one-time codes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML, JSON or TOML config file",
				Sources: cli.EnvVars("OTP_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "json or console",
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "Redis URL of the credential store",
			},
			&cli.StringFlag{
				Name:  "database-url",
				Usage: "PostgreSQL URL of the credential store",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Print the code for a secret",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "at",
						Usage: "RFC 3339 time to generate the code for instead of now",
					},
				}, secretFlags()...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := setup(cmd)
					if err != nil {
						return err
					}
					defer rt.close()

					secret, err := secretFromFlags(cmd)
					if err != nil {
						return err
					}

					at := time.Now()
					if s := cmd.String("at"); s != "" {
						if at, err = time.Parse(time.RFC3339, s); err != nil {
							return fmt.Errorf("invalid --at: %w", err)
						}
					}

					code, err := rt.validator.GenerateAt(secret, at)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, code)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check a code against a secret without a credential store",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "code",
						Usage:    "The submitted code",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "last-interval",
						Usage: "The last accepted time step; only later steps are eligible",
						Value: "0",
					},
				}, secretFlags()...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := setup(cmd)
					if err != nil {
						return err
					}
					defer rt.close()

					secret, err := secretFromFlags(cmd)
					if err != nil {
						return err
					}
					last, err := strconv.ParseUint(cmd.String("last-interval"), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid --last-interval: %w", err)
					}

					outcome, err := rt.validator.ValidateWithReplayGuard(cmd.String("code"), secret, last)
					if err != nil {
						return err
					}
					if !outcome.Accepted {
						return errRejected
					}
					fmt.Fprintf(out, "accepted interval=%d\n", outcome.Interval)
					return nil
				},
			},
			{
				Name:  "enroll",
				Usage: "Store a new credential and print its id",
				Flags: secretFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := setup(cmd)
					if err != nil {
						return err
					}
					defer rt.close()

					secret, err := secretFromFlags(cmd)
					if err != nil {
						return err
					}
					svc, err := rt.service(ctx)
					if err != nil {
						return err
					}

					c, err := svc.Enroll(ctx, secret)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, c.ID)
					return nil
				},
			},
			{
				Name:  "login",
				Usage: "Run the replay-guarded check for a stored credential",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "credential",
						Usage:    "The credential id",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "code",
						Usage:    "The submitted code",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := setup(cmd)
					if err != nil {
						return err
					}
					defer rt.close()

					svc, err := rt.service(ctx)
					if err != nil {
						return err
					}

					interval, err := svc.Login(ctx, api.LoginRequest{
						CredentialID: cmd.String("credential"),
						Code:         cmd.String("code"),
					})
					if errors.Is(err, api.ErrInvalidCode) {
						return errRejected
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "accepted interval=%d\n", interval)
					return nil
				},
			},
			{
				Name:  "expected",
				Usage: "Print the current code of a stored credential",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "credential",
						Usage:    "The credential id",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := setup(cmd)
					if err != nil {
						return err
					}
					defer rt.close()

					svc, err := rt.service(ctx)
					if err != nil {
						return err
					}

					code, err := svc.ExpectedCode(ctx, cmd.String("credential"))
					if err != nil {
						return err
					}
					fmt.Fprintln(out, code)
					return nil
				},
			},
			{
				Name:  "migrate",
				Usage: "Create the PostgreSQL credential table",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := setup(cmd)
					if err != nil {
						return err
					}
					defer rt.close()

					if err := rt.migrate(ctx); err != nil {
						return err
					}
					fmt.Fprintln(out, "migrated")
					return nil
				},
			},
		},
	}
}

// runtime is what every command needs: the merged configuration, a logger
// and the validator built from the policy.
type runtime struct {
	cfg       *config.Config
	policy    otp.Policy
	logger    *zap.Logger
	validator *otp.Validator
	closers   []func()
}

func setup(cmd *cli.Command) (*runtime, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	if cmd.IsSet("redis-url") {
		cfg.Redis.URL = cmd.String("redis-url")
	}
	if cmd.IsSet("database-url") {
		cfg.Database.URL = cmd.String("database-url")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	v, err := otp.NewValidator(policy.Config())
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		policy:    policy,
		logger:    logger,
		validator: v,
		closers:   []func(){func() { _ = logger.Sync() }},
	}, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *runtime) service(ctx context.Context) (*api.Service, error) {
	store, closeStore, err := openStore(ctx, rt.cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeStore)

	return api.NewService(api.Config{
		Validator:    rt.validator,
		Store:        store,
		Logger:       rt.logger,
		CodeReusable: rt.policy.CodeReusable,
	})
}

func secretFromFlags(cmd *cli.Command) ([]byte, error) {
	s := cmd.String("secret")
	if s == "" {
		return nil, errors.New("--secret must not be empty")
	}
	if !cmd.Bool("base32") {
		return []byte(s), nil
	}

	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	s = strings.TrimRight(s, "=")
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base32 secret: %w", err)
	}
	return secret, nil
}
