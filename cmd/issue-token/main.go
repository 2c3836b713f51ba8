// Command issue-token mints a bearer token for local development against the
// /app routes, signed with the same JWT_SECRET the server uses.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/matchpay/payout-engine/auth"
	"github.com/matchpay/payout-engine/config"
)

func main() {
	configPath := flag.String("config", "matchpay.yaml", "YAML config file")
	subject := flag.String("sub", "dev-user", "subject (user id)")
	role := flag.String("role", string(auth.RoleBrand), "brand, partner or admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	v, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	r := auth.Role(*role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}
	token, err := v.Issue(*subject, r, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
