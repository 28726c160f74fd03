// Database migration and backup CLI for the titan durable store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/titanops/titan/internal/store"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or backup")
	dbType := flag.String("type", envOr("TITAN_DATABASE_TYPE", "sqlite"), "Store engine: sqlite or postgres")
	dbURL := flag.String("db", envOr("TITAN_DATABASE_URL", "data/titan.db"), "DSN for postgres, file path for sqlite")
	backupDir := flag.String("backup-dir", "data/backups", "Directory for backup snapshots")
	flag.Parse()

	st, err := store.Open(store.Config{Type: *dbType, URL: *dbURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch *command {
	case "migrate":
		if err := st.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Schema up to date")
	case "backup":
		if err := st.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		path, err := st.Backup(ctx, *backupDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Backup failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Backup written to %s\n", path)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		fmt.Fprintf(os.Stderr, "Usage: migrate -command=[migrate|backup]\n")
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
