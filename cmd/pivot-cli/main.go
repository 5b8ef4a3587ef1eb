package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"pivot/pkg/pivot"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pivot-cli [-addr URL] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version     Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status      Show trading system status\n")
		fmt.Fprintf(os.Stderr, "  start       Enable trading\n")
		fmt.Fprintf(os.Stderr, "  stop        Disable trading\n")
		fmt.Fprintf(os.Stderr, "  orders      List the trading day's orders\n")
		fmt.Fprintf(os.Stderr, "  positions   Show the position book\n")
		fmt.Fprintf(os.Stderr, "  messages    Show the message board\n")
		fmt.Fprintf(os.Stderr, "\n")
	}
	addr := flag.String("addr", "http://localhost:8080", "pivot-trader API address")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	client := pivot.NewClient(*addr)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "version":
		fmt.Printf("pivot-cli %s\n", version)

	case "status":
		st, err := client.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		fmt.Printf("running:   %v\n", st.Running)
		fmt.Printf("broker:    %s\n", st.Broker)
		fmt.Printf("contract:  %s\n", st.Contract)
		fmt.Printf("position:  %d @ %.2f\n", st.Position, st.AvgPrice)
		fmt.Printf("daily pnl: %.2f\n", st.DailyPnL)
		fmt.Printf("signal:    %s\n", st.LastSignal)
		if st.PausedTill != nil {
			fmt.Printf("paused:    until %s\n", st.PausedTill.Format("15:04:05"))
		}
		if st.HoursNotice != "" {
			fmt.Printf("notice:    %s\n", st.HoursNotice)
		}

	case "start":
		if err := client.Start(ctx); err != nil {
			log.Fatalf("start: %v", err)
		}
		fmt.Println("trading started")

	case "stop":
		if err := client.Stop(ctx); err != nil {
			log.Fatalf("stop: %v", err)
		}
		fmt.Println("trading stopped")

	case "orders":
		orders, err := client.Orders(ctx)
		if err != nil {
			log.Fatalf("orders: %v", err)
		}
		for _, o := range orders {
			fmt.Printf("%6d %6d %-18s %-4s %-3s %3d @ %8.2f %-13s filled %d @ %.2f\n",
				o.ID, o.ParentID, o.Contract, o.Action, o.Type,
				o.Quantity, o.AuxPrice, o.Status, o.Filled, o.AvgFill)
		}

	case "positions":
		pr, err := client.Positions(ctx)
		if err != nil {
			log.Fatalf("positions: %v", err)
		}
		fmt.Printf("current: %d %s @ %.2f\n", pr.Current.Quantity, pr.Current.Contract, pr.Current.AvgPrice)
		for _, p := range pr.History {
			fmt.Printf("%s  %3d @ %8.2f\n", p.OpenedAt.Format("15:04:05"), p.Quantity, p.AvgPrice)
		}

	case "messages":
		mr, err := client.Messages(ctx)
		if err != nil {
			log.Fatalf("messages: %v", err)
		}
		for _, m := range mr.Messages {
			fmt.Printf("%s  %s\n", m.Time.Format("15:04:05"), m.Text)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
