package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	gonet "net"
	"os"
	"strings"
	"time"

	"mimir/internal/common"
	mimirNet "mimir/internal/net"

	"github.com/shopspring/decimal"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	owner := flag.String("owner", "", "Owner identity (compulsory)")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel']")

	// Order Parameters
	pair := flag.String("pair", "BTC/USDT", "Trading pair symbol")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit' or 'market'")
	priceStr := flag.String("price", "0", "Limit price (decimal string)")
	stopStr := flag.String("stop", "0", "Stop price (decimal string, stop-limit only)")
	qtyStr := flag.String("qty", "1", "Quantity or comma-separated list (e.g. 0.1,0.2)")

	// Cancel Parameters
	uuid := flag.String("uuid", "", "UUID of the order to cancel")

	flag.Parse()

	if *owner == "" {
		fmt.Println("Error: -owner is compulsory.")
		flag.Usage()
		os.Exit(1)
	}

	conn, err := gonet.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *owner)

	// Start Listening for Reports (Async)
	go readReports(conn)

	side := common.Buy
	if strings.ToLower(*sideStr) == "sell" {
		side = common.Sell
	}

	orderType := common.LimitOrder
	switch strings.ToLower(*typeStr) {
	case "market":
		orderType = common.MarketOrder
	case "stop-limit":
		orderType = common.StopLimitOrder
	}

	switch strings.ToLower(*action) {
	case "place":
		price := mustDecimal(*priceStr, "price")
		stop := mustDecimal(*stopStr, "stop")
		for _, qty := range parseQuantities(*qtyStr) {
			msg := mimirNet.NewOrderMessage{
				OrderType:  orderType,
				Side:       side,
				Pair:       *pair,
				LimitPrice: price,
				StopPrice:  stop,
				Quantity:   qty,
				Owner:      *owner,
			}
			if err := mimirNet.WriteFrame(conn, msg.Encode()); err != nil {
				log.Printf("Failed to place order (qty %s): %v", qty, err)
				continue
			}
			fmt.Printf("-> Sent %s order: %s %s @ %s\n",
				strings.ToUpper(*sideStr), *pair, qty, price)
			// Small sleep so the server sequences submissions distinctly.
			time.Sleep(5 * time.Millisecond)
		}

	case "cancel":
		if *uuid == "" {
			log.Fatal("Error: -uuid is required for cancellation")
		}
		msg := mimirNet.CancelOrderMessage{
			Pair:      *pair,
			OrderUUID: *uuid,
			Owner:     *owner,
		}
		if err := mimirNet.WriteFrame(conn, msg.Encode()); err != nil {
			log.Printf("Failed to send cancel request: %v", err)
		} else {
			fmt.Printf("-> Sent cancel request for UUID: %s\n", *uuid)
		}

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	// Keep the client alive to receive execution reports.
	fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
	select {}
}

// parseQuantities splits a comma-separated string into decimals.
func parseQuantities(input string) []decimal.Decimal {
	parts := strings.Split(input, ",")
	out := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		out = append(out, mustDecimal(strings.TrimSpace(p), "qty"))
	}
	return out
}

func mustDecimal(s, field string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid -%s %q: %v", field, s, err)
	}
	return d
}

// readReports prints every report frame the server sends back.
func readReports(conn gonet.Conn) {
	for {
		payload, err := mimirNet.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("Connection closed: %v", err)
			}
			os.Exit(0)
		}

		report, err := mimirNet.ParseReport(payload)
		if err != nil {
			log.Printf("Bad report from server: %v", err)
			continue
		}

		switch report.MessageType {
		case mimirNet.AcceptanceReport:
			fmt.Printf("<- [%s] order %s on %s: filled %s of %s\n",
				report.Status, report.OrderUUID, report.Pair,
				report.Filled, report.Quantity)
		case mimirNet.ExecutionReport:
			fmt.Printf("<- [TRADE %d] order %s on %s: %s @ %s (filled %s)\n",
				report.Sequence, report.OrderUUID, report.Pair,
				report.Quantity, report.Price, report.Filled)
		case mimirNet.ErrorReport:
			fmt.Printf("<- [ERROR] order %q: %s\n", report.OrderUUID, report.Err)
		}
	}
}
