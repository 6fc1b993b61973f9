// Package main is the admin tool for managing relay apps: creating apps,
// rotating SMTP credentials and inspecting DKIM DNS state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/cuttlefish/relay/internal/config"
	"github.com/cuttlefish/relay/internal/dkim"
	"github.com/cuttlefish/relay/internal/store"
)

const usage = `usage: cuttlefish-admin [-config file] <command> [args]

commands:
  create-app <name>                 create an app and print its SMTP credentials
  rotate-password <app-id>          generate a new SMTP password for an app
  set-tracking-domain <app-id> <domain>
                                    set or clear ("" to clear) the custom tracking domain
  dkim-record <app-id>              print the DKIM DNS record and whether it is published
`

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, st, args); err != nil {
		slog.Error("command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, st *store.Store, args []string) error {
	switch args[0] {
	case "create-app":
		if len(args) != 2 {
			return fmt.Errorf("create-app needs exactly one name argument")
		}
		a, err := st.CreateApp(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("app id:        %d\n", a.ID)
		fmt.Printf("smtp username: %s\n", a.SMTPUsername)
		fmt.Printf("smtp password: %s\n", a.SMTPPassword)
		return nil

	case "rotate-password":
		id, err := appID(args, 2)
		if err != nil {
			return err
		}
		a, err := st.UpdateSMTPCredentials(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("smtp username: %s\n", a.SMTPUsername)
		fmt.Printf("smtp password: %s\n", a.SMTPPassword)
		return nil

	case "set-tracking-domain":
		id, err := appID(args, 3)
		if err != nil {
			return err
		}
		return st.SetTrackingDomain(ctx, id, args[2])

	case "dkim-record":
		id, err := appID(args, 2)
		if err != nil {
			return err
		}
		return printDKIMRecord(ctx, cfg, st, id)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// printDKIMRecord prints the TXT record the app owner has to publish,
// chunked for DNS providers, and checks whether it is live.
func printDKIMRecord(ctx context.Context, cfg *config.Config, st *store.Store, id int64) error {
	a, err := st.AppByID(ctx, id)
	if err != nil {
		return err
	}

	key, err := st.GetOrCreateDKIMKey(ctx, a.ID)
	if err != nil {
		return err
	}

	domain := a.FromDomain
	if domain == "" {
		domain = cfg.EffectiveTrackingDomain()
	}

	value, err := dkim.PublicKeyTXTValue(key)
	if err != nil {
		return err
	}

	fmt.Printf("record name:  %s\n", dkim.RecordName(domain))
	fmt.Printf("record value: %s\n", dkim.QuoteLongTXTRecord(value))

	v := dkim.NewVerifier()
	if v.DNSConfigured(ctx, domain, key) {
		fmt.Println("dns status:   published and matching")
	} else {
		fmt.Println("dns status:   not configured")
	}
	return nil
}

func appID(args []string, want int) (int64, error) {
	if len(args) != want {
		return 0, fmt.Errorf("wrong number of arguments")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid app id %q", args[1])
	}
	return id, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
