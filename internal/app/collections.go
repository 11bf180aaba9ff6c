package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/newsmonitor/internal/cli"
	"horse.fit/newsmonitor/internal/db"
)

type collectionRow struct {
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Items      int64      `json:"items"`
	LastItemAt *time.Time `json:"last_item_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func runCollections(args []string) int {
	fs := flag.NewFlagSet("collections", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "collections does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	rows, err := queryCollectionRows(ctx, pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query collections: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	tableRows := make([][]string, 0, len(rows))
	for _, row := range rows {
		tableRows = append(tableRows, []string{
			row.ExternalID,
			row.Name,
			fmt.Sprintf("%d", row.Items),
			formatUTCTimestampPtr(row.LastItemAt),
			formatUTCTimestamp(row.CreatedAt),
		})
	}

	if err := writeTable(
		[]string{"external_id", "name", "items", "last_item", "created"},
		tableRows,
	); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}

	return 0
}

func queryCollectionRows(ctx context.Context, pool *db.Pool) ([]collectionRow, error) {
	const q = `
SELECT
	c.external_id,
	c.name,
	COUNT(i.item_id)::BIGINT AS items,
	MAX(i.published_at) AS last_item_at,
	c.created_at
FROM monitor.collections c
LEFT JOIN monitor.items i
	ON i.collection_id = c.collection_id
GROUP BY c.collection_id
ORDER BY c.name, c.external_id
`

	rows, err := pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	items := make([]collectionRow, 0, 8)
	for rows.Next() {
		var row collectionRow
		if err := rows.Scan(&row.ExternalID, &row.Name, &row.Items, &row.LastItemAt, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collection row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection rows: %w", err)
	}
	return items, nil
}
