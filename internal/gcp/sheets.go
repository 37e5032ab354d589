package gcp

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// NewSheetsService creates a Sheets client. With an empty credentialsFile the
// application default credentials are used, as on Cloud Functions.
func NewSheetsService(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*sheets.Service, error) {
	opts = append([]option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}, opts...)
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}
	return srv, nil
}

// SheetRange builds an A1 range on a named worksheet, quoting the name.
func SheetRange(sheet, cells string) string {
	return fmt.Sprintf("'%s'!%s", strings.ReplaceAll(sheet, "'", "''"), cells)
}

// CellString renders a cell value returned by the Sheets API.
func CellString(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}
