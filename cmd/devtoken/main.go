// Command devtoken prints a signed bearer token for local testing.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/ride-coordination/internal/auth"
)

func main() {
	flags := pflag.NewFlagSet("devtoken", pflag.ContinueOnError)
	user := flags.StringP("user", "u", "", "user id to embed (required)")
	admin := flags.Bool("admin", false, "grant the admin role")
	secret := flags.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret, defaults to JWT_SECRET")
	issuer := flags.String("issuer", "ride-coordination", "token issuer")
	ttl := flags.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *user == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "devtoken: --user and a secret are required")
		flags.PrintDefaults()
		os.Exit(2)
	}
	tok, err := auth.NewVerifier(*secret, *issuer).Issue(auth.Identity{UserID: *user, Admin: *admin}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devtoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
