package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"clublink/internal/admintoken"
	"clublink/internal/platform/config"
)

// main prints a signed administrator token for ADMIN_PLATFORM_ID.
func main() {
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	tokens, err := admintoken.New(cfg.AdminJWTSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admin token: %v\n", err)
		os.Exit(1)
	}
	token, err := tokens.Issue(cfg.AdminPlatformID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
