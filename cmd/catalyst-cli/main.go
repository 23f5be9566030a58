package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"catalyst/internal/domain"
	"catalyst/internal/ledger"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: catalyst-cli [-db path] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version          Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  orders [status]  List orders, optionally filtered by status\n")
		fmt.Fprintf(os.Stderr, "  positions        List open positions\n")
		fmt.Fprintf(os.Stderr, "  findings         List unresolved reconciliation findings\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	dbPath := flag.String("db", envOr("SQLITE_PATH", "catalyst.db"), "ledger database path")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if flag.Arg(0) == "version" {
		fmt.Printf("catalyst-cli %s\n", version)
		return
	}

	store, err := ledger.NewSQLiteLedger(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	switch flag.Arg(0) {
	case "orders":
		if err := printOrders(ctx, store, flag.Arg(1)); err != nil {
			fail(err)
		}
	case "positions":
		if err := printPositions(ctx, store); err != nil {
			fail(err)
		}
	case "findings":
		if err := printFindings(ctx, store); err != nil {
			fail(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}

func printOrders(ctx context.Context, store ledger.Store, status string) error {
	var orders []domain.Order
	var err error
	if status == "" {
		orders, err = store.OpenOrders(ctx)
	} else {
		orders, err = store.ListOrders(ctx, domain.OrderStatus(status))
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVENUE ID\tSYMBOL\tSIDE\tQTY\tFILLED\tSTATUS\tUPDATED")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			o.ID, o.VenueID, o.Symbol, o.Side, o.Qty, o.FilledQty,
			o.Status, o.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func printPositions(ctx context.Context, store ledger.Store) error {
	positions, err := store.ListPositions(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tQTY\tAVG COST\tSTOP\tTARGET")
	for _, p := range positions {
		fmt.Fprintf(w, "%s\t%d\t%.3f\t%.3f\t%.3f\n",
			p.Symbol, p.Qty, p.AvgCost, p.StopPrice, p.TargetPrice)
	}
	return w.Flush()
}

func printFindings(ctx context.Context, store ledger.Store) error {
	findings, err := store.ListDiscrepancies(ctx, true)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSYMBOL\tORDER\tDETECTED\tDETAIL")
	for _, d := range findings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Kind, d.Symbol, d.OrderID,
			d.DetectedAt.Format("2006-01-02 15:04:05"), d.Detail)
	}
	return w.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%v\n", err)
	os.Exit(1)
}
