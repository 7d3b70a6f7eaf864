// Package sheets exports a group's ledger to a Google Sheets spreadsheet,
// one tab per group.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"conti/internal/core"
)

// Exporter writes the current state of a group somewhere outside the
// repository.
type Exporter interface {
	ExportGroup(ctx context.Context, g core.Group) error
}

// Config selects the spreadsheet and the service account used to reach it.
// CredentialsJSON wins over CredentialsFile.
type Config struct {
	SpreadsheetID   string
	CredentialsJSON string
	CredentialsFile string
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	logger        *slog.Logger
}

var _ Exporter = (*Client)(nil)

// New creates a Sheets client authenticated with a service account.
// Extra options are passed to the Sheets service, e.g. a test endpoint.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...goption.ClientOption) (*Client, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if len(opts) == 0 {
		creds, err := credentials(cfg)
		if err != nil {
			return nil, err
		}
		opts = []goption.ClientOption{
			goption.WithCredentialsJSON(creds),
			goption.WithScopes(gsheet.SpreadsheetsScope),
		}
	}

	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	logger.InfoContext(ctx, "Google Sheets exporter ready", "spreadsheet_id", cfg.SpreadsheetID)
	return &Client{svc: svc, spreadsheetID: cfg.SpreadsheetID, logger: logger}, nil
}

func credentials(cfg Config) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []byte(cfg.CredentialsJSON), nil
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
	}
}

// ExportGroup replaces the group's tab with its balances and expense
// history, creating the tab on first export.
func (c *Client) ExportGroup(ctx context.Context, g core.Group) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}

	title := SheetTitle(g)
	if err := c.ensureSheet(ctx, title); err != nil {
		return err
	}

	_, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, a1(title, "A:Z"), &gsheet.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("clear sheet %s: %w", title, err)
	}

	rows := Rows(g)
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, a1(title, "A1"), &gsheet.ValueRange{Values: rows}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write sheet %s: %w", title, err)
	}

	c.logger.InfoContext(ctx, "Exported group to Google Sheets",
		"group_id", g.ID,
		"version", g.Version,
		"sheet", title,
		"rows", len(rows))
	return nil
}

func (c *Client) ensureSheet(ctx context.Context, title string) error {
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == title {
			return nil
		}
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: title}},
		}},
	}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add sheet %s: %w", title, err)
	}
	c.logger.InfoContext(ctx, "Created sheet", "sheet", title)
	return nil
}

// SheetTitle names a group's tab "<name> (<id prefix>)". Characters Sheets
// rejects in titles are dropped.
func SheetTitle(g core.Group) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]*?/\:`, r) {
			return -1
		}
		return r
	}, strings.TrimSpace(g.Name))

	id := g.ID
	if len(id) > 8 {
		id = id[:8]
	}
	if r := []rune(name); len(r) > 80 {
		name = string(r[:80])
	}
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

// a1 builds an A1 range on a quoted sheet name.
func a1(sheet, rng string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'!" + rng
}

// Rows lays out a group as sheet rows: a header block, member balances,
// then the expense history newest first.
func Rows(g core.Group) [][]any {
	symbol := g.Symbol
	if symbol == "" {
		symbol = core.DefaultSymbol
	}

	rows := [][]any{
		{"Group", g.Name},
		{"Currency", symbol},
		{"Version", g.Version},
		{"Total spending", g.TotalSpending.Float64()},
		{},
		{"Member", "Balance"},
	}
	for _, m := range g.Members {
		rows = append(rows, []any{m.Name, m.Balance.Float64()})
	}

	rows = append(rows, []any{}, []any{"Date", "Title", "Category", "Amount", "Paid by", "Paid for", "Paid"})
	for _, e := range g.Expenses {
		names := make([]string, len(e.PaidFor))
		for i, p := range e.PaidFor {
			names[i] = p.Name
		}
		rows = append(rows, []any{
			e.Time.UTC().Format("2006-01-02 15:04"),
			e.Title,
			string(e.Category),
			e.Amount.Float64(),
			e.Payer.Name,
			strings.Join(names, ", "),
			e.Paid,
		})
	}
	return rows
}
