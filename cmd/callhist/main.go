// Package main provides the call history CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/osa030/dialbox/internal/domain/call"
	"github.com/osa030/dialbox/internal/infra/calllog"
	"github.com/osa030/dialbox/internal/infra/config"
)

var (
	app        = kingpin.New("dialbox-callhist", "Inspect the phone call history")
	configPath = app.Flag("config", "Path to config file").Default("config/phone.yaml").String()

	// list command (default)
	listCmd   = app.Command("list", "List recent calls (default)").Default()
	listLimit = listCmd.Flag("limit", "Maximum number of calls to show").Default("20").Int()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := calllog.NewBadgerStore(calllog.BadgerOptions{
		Dir:      cfg.CallLog.Dir,
		InMemory: cfg.CallLog.InMemory,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open call log: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch command {
	case listCmd.FullCommand():
		listCalls(store, *listLimit)
	}
}

func listCalls(store calllog.Store, limit int) {
	records, err := store.Recent(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No calls recorded.")
		return
	}

	fmt.Printf("%-20s %-9s %-16s %-11s %9s  %s\n",
		"TIME", "DIRECTION", "PEER", "STATUS", "DURATION", "NOTE")
	for _, rec := range records {
		fmt.Printf("%-20s %-9s %-16s %-11s %9s  %s\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.Direction,
			rec.Peer(),
			rec.Status,
			formatDuration(rec),
			rec.ErrorMessage,
		)
	}
}

func formatDuration(rec call.Record) string {
	if rec.AnsweredAt == nil {
		return "-"
	}
	return (time.Duration(rec.DurationSeconds) * time.Second).String()
}
