package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var errUsage = errors.New("invalid usage")

const usage = `Usage: valisauth [flags] <command> [args]

Commands:
  status                           print the restored session
  login <email> <password>         sign in with email and password
  register <email> <password>      sign up, prints whether confirmation is pending
  verify <email> <code> [type]     verify a one-time code (type defaults to signup)
  resend <email> [type]            resend the verification code
  reset-password <email>           send a password recovery email
  refresh                          renew the token pair now
  me                               print the current user
  update-profile <json>            update the user, e.g. '{"data": {"firm": "Valis LLP"}}'
  oauth-url <provider>             print the third party sign in URL
  callback <url>                   complete a provider redirect
  inspect                          print the session with the decoded token expiry
  check-password <password>        score password strength
  serve                            run the session HTTP API
`

func main() {
	// Initialize context that cancelled on SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Getenv, os.Getwd, os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	default:
		slog.Error("valisauth failed", "error", err.Error())
		os.Exit(1)
	}
}

// Later sources override earlier ones: defaults, .env, environment, flags
func run(ctx context.Context, getenv func(string) string, getwd func() (string, error), args []string, out io.Writer) error {
	c := NewConfig()
	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("error while loading .env: %w", err)
	}
	c.LoadEnv(getenv)

	rest, err := c.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if len(rest) == 0 {
		return errUsage
	}
	if err := c.Validate(); err != nil {
		return err
	}

	app, err := NewApp(ctx, c, out)
	if err != nil {
		return fmt.Errorf("can't initialize app, sorry: %w", err)
	}
	defer app.Close()

	return app.Run(ctx, rest[0], rest[1:])
}
