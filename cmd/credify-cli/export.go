package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"credify/services/orders"
)

const exportPageSize = 500

type settlementRow struct {
	OrderRef      string `parquet:"name=order_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID       string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaymentMethod string `parquet:"name=payment_method, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer         string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vendor        string `parquet:"name=vendor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Email         string `parquet:"name=email, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountUSD     string `parquet:"name=amount_usd, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash        string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgeRestricted bool   `parquet:"name=age_restricted, type=BOOLEAN"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt     string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func defaultExportDatabase() string {
	if v := strings.TrimSpace(os.Getenv("CREDIFY_GATEWAY_DATABASE")); v != "" {
		return v
	}
	return "file:credify-gateway.db"
}

func runExport(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("export", stderr)
	database := flags.String("database", defaultExportDatabase(), "escrow gateway database DSN")
	out := flags.String("out", "", "parquet file to write")
	statusRaw := flags.String("status", "settled", "settled, released or refunded")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return printError(stderr, errors.New("--out is required"))
	}
	var status orders.Status
	switch s := strings.ToLower(strings.TrimSpace(*statusRaw)); s {
	case "settled":
	case string(orders.StatusReleased), string(orders.StatusRefunded):
		status = orders.Status(s)
	default:
		return printError(stderr, fmt.Errorf("--status: unsupported value %q", *statusRaw))
	}
	store, err := orders.Open(*database)
	if err != nil {
		return printError(stderr, fmt.Errorf("open database: %w", err))
	}
	defer store.Close()

	ctx, cancel := commandContext()
	defer cancel()
	rows, err := collectSettled(ctx, store, status)
	if err != nil {
		return printError(stderr, err)
	}
	if err := writeSettlementParquet(*out, rows); err != nil {
		return printError(stderr, err)
	}
	writeJSON(stdout, map[string]interface{}{"path": *out, "rows": len(rows)})
	return 0
}

// collectSettled pages through the store. An empty status selects every
// order in a terminal state.
func collectSettled(ctx context.Context, store *orders.Store, status orders.Status) ([]*settlementRow, error) {
	var rows []*settlementRow
	for offset := 0; ; offset += exportPageSize {
		page, err := store.List(ctx, orders.Filter{Status: status, Limit: exportPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		for i := range page {
			if !page[i].Status.Settled() {
				continue
			}
			rows = append(rows, newSettlementRow(&page[i]))
		}
		if len(page) < exportPageSize {
			return rows, nil
		}
	}
}

func newSettlementRow(o *orders.Order) *settlementRow {
	row := &settlementRow{
		OrderRef:      o.OrderRef,
		OrderID:       o.EscrowID,
		Status:        string(o.Status),
		PaymentMethod: o.PaymentMethod,
		Buyer:         o.Buyer,
		Vendor:        o.Vendor,
		Email:         o.Email,
		Amount:        o.Amount,
		AmountUSD:     o.AmountUSD,
		TxHash:        o.TxHash,
		AgeRestricted: o.AgeRestricted,
		CreatedAt:     o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.SettledAt != nil {
		row.SettledAt = o.SettledAt.UTC().Format(time.RFC3339)
	}
	return row
}

func writeSettlementParquet(path string, rows []*settlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("finalise parquet: %w", err)
	}
	return file.Close()
}
