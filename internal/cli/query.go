package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carverauto/serviceradar/srql/internal/engine"
)

const defaultServerURL = "http://localhost:8080"

type QueryCmd struct{}

func NewQueryCmd() *QueryCmd {
	return &QueryCmd{}
}

func (c *QueryCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <query>",
		Short: "Run a query against an SRQL server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := cmd.Flags().GetString("url")
			if err != nil {
				return fmt.Errorf("failed to get url flag: %w", err)
			}
			tenant, err := cmd.Flags().GetString("tenant")
			if err != nil {
				return fmt.Errorf("failed to get tenant flag: %w", err)
			}
			partition, err := cmd.Flags().GetString("partition")
			if err != nil {
				return fmt.Errorf("failed to get partition flag: %w", err)
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			cursor, err := cmd.Flags().GetString("cursor")
			if err != nil {
				return fmt.Errorf("failed to get cursor flag: %w", err)
			}
			direction, err := cmd.Flags().GetString("direction")
			if err != nil {
				return fmt.Errorf("failed to get direction flag: %w", err)
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return fmt.Errorf("failed to get timeout flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			log := newLogger(cmd)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client := &queryClient{
				baseURL:   strings.TrimRight(url, "/"),
				tenant:    tenant,
				partition: partition,
				http:      &http.Client{Timeout: timeout},
			}
			req := queryRequest{Query: strings.Join(args, " "), Cursor: cursor, Direction: direction}
			if cmd.Flags().Changed("limit") {
				req.Limit = &limit
			}

			log.Debug("running query", "url", client.baseURL, "query", req.Query)
			resp, raw, err := client.query(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				_, err := out.Write(raw)
				return err
			}
			printResponse(out, resp)
			return nil
		},
	}

	cmd.Flags().String("url", envOr("SRQL_URL", defaultServerURL), "SRQL server base URL")
	cmd.Flags().String("tenant", os.Getenv("SRQL_TENANT"), "tenant sent in the X-Tenant header")
	cmd.Flags().String("partition", "", "partition sent in the X-Partition header")
	cmd.Flags().Int("limit", 0, "page size")
	cmd.Flags().String("cursor", "", "cursor from a previous page")
	cmd.Flags().String("direction", "", "page direction for the cursor (next, prev)")
	cmd.Flags().Duration("timeout", 60*time.Second, "HTTP request timeout")
	cmd.Flags().Bool("json", false, "print the raw JSON response")

	return cmd
}

type queryRequest struct {
	Query     string `json:"query"`
	Limit     *int   `json:"limit,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Direction string `json:"direction,omitempty"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Code     int    `json:"code"`
	Position *int   `json:"position,omitempty"`
}

type queryClient struct {
	baseURL   string
	tenant    string
	partition string
	http      *http.Client
}

func (c *queryClient) query(ctx context.Context, body queryRequest) (*engine.Response, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/query", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}
	if c.partition != "" {
		req.Header.Set("X-Partition", c.partition)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, raw, fmt.Errorf("server returned %d: %s", res.StatusCode, e.Error)
		}
		return nil, raw, fmt.Errorf("server returned %d", res.StatusCode)
	}

	var resp engine.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, raw, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, raw, nil
}

func printResponse(w io.Writer, resp *engine.Response) {
	cols := resultColumns(resp.Results)
	rows := make([][]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = formatCell(r[c])
		}
		rows = append(rows, row)
	}
	renderTable(w, cols, rows)

	fmt.Fprintf(w, "%d rows (limit %d)\n", len(resp.Results), resp.Pagination.Limit)
	if resp.Pagination.NextCursor != nil {
		fmt.Fprintf(w, "next: %s\n", *resp.Pagination.NextCursor)
	}
	if resp.Pagination.PrevCursor != nil {
		fmt.Fprintf(w, "prev: %s\n", *resp.Pagination.PrevCursor)
	}
}

// resultColumns is the sorted union of keys across rows.
func resultColumns(rows []map[string]any) []string {
	seen := map[string]struct{}{}
	var cols []string
	for _, r := range rows {
		for k := range r {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	slices.Sort(cols)
	return cols
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
