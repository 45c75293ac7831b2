// Package main is the entrypoint for the service-gateway (binary name "gateway" in Docker).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/morezero/service-gateway/internal/config"
	"github.com/morezero/service-gateway/internal/server"
	"github.com/morezero/service-gateway/pkg/commsutil"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/natsgw"
	"github.com/morezero/service-gateway/pkg/outbox"
	"github.com/morezero/service-gateway/pkg/routing"
)

const usage = `Usage: gateway [command]
       gateway serve                   Start the gateway (NATS responder, outbox relay, HTTP).
       gateway migrate up              Create the outbox table and run extra migrations.
       gateway migrate status          Show outbox schema status and pending rows.
       gateway ensure-db [name]        Create database if missing (default name: gateway_test). Uses DATABASE_URL host/user.
       gateway send <type> [json]      Send a request by wire name and print the response.
       gateway publish <type> [json]   Publish a request by wire name.

Commands:
  serve           (default) Start the service gateway.
  migrate up      Create the outbox schema in DATABASE_URL.
  migrate status  Show whether OUTBOX_TABLE exists and how many rows are pending.
  ensure-db [name] Create database (e.g. gateway_test) on same host as DATABASE_URL.
  send            Decode json as the request registered under <type>, send it over NATS, print the response.
  publish         Same as send without waiting for a response.

Environment: NATS_URL, GATEWAY_ROUTES, GATEWAY_RANGES, DATABASE_URL, OUTBOX_TABLE, MIGRATION_PATH, HTTP_PORT. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("gateway migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("gateway migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("gateway migrate status: %v", err)
			}
		default:
			log.Fatalf("gateway migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		dbName := "gateway_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("gateway ensure-db: %v", err)
		}
		return
	case "send", "publish":
		if len(args) < 2 {
			log.Fatalf("gateway %s: require request type", cmd)
		}
		payload := ""
		if len(args) > 2 {
			payload = args[2]
		}
		if err := runRemote(args[1], payload, cmd == "publish"); err != nil {
			log.Fatalf("gateway %s: %v", cmd, err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := outbox.NewPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := outbox.Migrate(ctx, pool, cfg.OutboxTable, cfg.MigrationPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := outbox.NewPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	st, err := outbox.MigrationStatus(ctx, pool, cfg.OutboxTable)
	if err != nil {
		return err
	}
	fmt.Print(formatStatus(cfg.OutboxTable, st))
	return nil
}

func formatStatus(table string, st outbox.Status) string {
	if !st.Applied {
		return fmt.Sprintf("Outbox table %q: not created (run: gateway migrate up)\n", table)
	}
	return fmt.Sprintf("Outbox table %q: applied, %d pending rows\n", table, st.Pending)
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Replace path with target database name; query (e.g. sslmode) is kept on u.RawQuery.
	u.Path = "/" + dbName
	if err := outbox.EnsureDatabase(context.Background(), u.String()); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runRemote(typeName, payload string, publish bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	types, table, err := server.NewRouting(cfg)
	if err != nil {
		return err
	}
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-cli", nil)
	if err != nil {
		return err
	}
	defer nc.Close()

	gw := natsgw.New(nc, types, table, &natsgw.Options{Timeout: cfg.RequestTimeout, Ranges: cfg.Ranges})
	out, err := dispatch(gw, types, typeName, payload, publish)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// dispatch decodes payload as the request registered under typeName and
// delivers it through gw. The response type is resolved from the request at
// runtime, so any registered type works without a typed call site.
func dispatch(gw gateway.SyncGateway, types *routing.Types, typeName, payload string, publish bool) (string, error) {
	request, err := types.Decode(typeName, []byte(payload))
	if err != nil {
		return "", err
	}
	if publish {
		if err := gw.Publish(request); err != nil {
			return "", err
		}
		return fmt.Sprintf("published %s", typeName), nil
	}
	if v, ok := request.(gateway.VoidReturner); ok {
		if err := gateway.SendVoid(gw, v); err != nil {
			return "", err
		}
		return "ok", nil
	}
	response, err := gateway.SendObject(gw, request)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return string(data), nil
}
