package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"
	"golang.org/x/term"

	"report-stream/internal/api"
	"report-stream/internal/xlsx"
)

// downloadResult describes a finished download.
type downloadResult struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Rows  int    `json:"rows,omitempty"`
}

func newDownloadCmd(getenv func(string) string) *cobra.Command {
	var (
		baseURL  string
		rows     int
		out      string
		buffered bool
		token    string
		verify   bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a report export to a file",
		Long: `Streams an export from the relay (or directly from the export service when
--token is given) into a file. The file only appears once the download
completed; a truncated transfer is reported as an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := reportURL(baseURL, buffered, rows)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: timeout}
			res, err := download(cmd, client, target, token, out)
			if err != nil {
				return err
			}
			if verify {
				if res.Rows, err = countRows(out); err != nil {
					return err
				}
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", res.Bytes, res.Path)
			if verify {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Verified %d data rows\n", res.Rows)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", envOr(getenv, "REPORT_URL", "http://localhost:8080"), "Relay or export service base URL")
	cmd.Flags().IntVar(&rows, "rows", 0, "Row count (0 uses the server default)")
	cmd.Flags().StringVar(&out, "out", "report.xlsx", "Output file")
	cmd.Flags().BoolVar(&buffered, "buffered", false, "Use the buffered endpoint")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token, for calling the export service directly")
	cmd.Flags().BoolVar(&verify, "verify", false, "Open the downloaded document and count its rows")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall download timeout (0 = none)")
	return cmd
}

func reportURL(base string, buffered bool, rows int) (string, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid --url %q", base)
	}
	path := "/report"
	if buffered {
		path = "/report-buffered"
	}
	u = u.JoinPath(path)
	if rows > 0 {
		q := u.Query()
		q.Set("rowCount", strconv.Itoa(rows))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// download copies the response body into a temporary file next to out and
// renames it once the body ended cleanly.
func download(cmd *cobra.Command, client *http.Client, target, token, out string) (*downloadResult, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request export: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, exportError(resp)
	}

	tmp, err := os.CreateTemp(filepath.Dir(out), ".report-*.xlsx")
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	var dst io.Writer = tmp
	if isTerminal(cmd.ErrOrStderr()) {
		p := &progress{w: cmd.ErrOrStderr(), step: 1 << 20, expected: resp.ContentLength}
		defer p.finish()
		dst = io.MultiWriter(tmp, p)
	}

	n, copyErr := io.Copy(dst, resp.Body)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		return nil, fmt.Errorf("download interrupted after %d bytes: %w", n, copyErr)
	case closeErr != nil:
		return nil, fmt.Errorf("write output: %w", closeErr)
	case resp.ContentLength >= 0 && n != resp.ContentLength:
		return nil, fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}

	if err := os.Rename(tmp.Name(), out); err != nil {
		return nil, fmt.Errorf("move output: %w", err)
	}
	return &downloadResult{Path: out, Bytes: n}, nil
}

func exportError(resp *http.Response) error {
	var body api.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error.Code == "" {
		return fmt.Errorf("export failed: %s", resp.Status)
	}
	return fmt.Errorf("export failed: %s (%s): %s", resp.Status, body.Error.Code, body.Error.Message)
}

func countRows(path string) (int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("open document: %w", err)
	}
	defer f.Close() //nolint:errcheck

	it, err := f.Rows(xlsx.SheetName)
	if err != nil {
		return 0, fmt.Errorf("read sheet: %w", err)
	}
	defer it.Close() //nolint:errcheck

	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("read sheet: %w", err)
	}
	if n == 0 {
		return 0, errors.New("document has no header row")
	}
	return n - 1, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progress prints the downloaded size each time another step bytes arrived.
type progress struct {
	w        io.Writer
	step     int64
	expected int64 // -1 when the length is unknown (streamed export)
	total    int64
	next     int64
}

func (p *progress) Write(b []byte) (int, error) {
	p.total += int64(len(b))
	if p.total >= p.next {
		if p.expected > 0 {
			_, _ = fmt.Fprintf(p.w, "\r%.1f / %.1f MiB", mib(p.total), mib(p.expected))
		} else {
			_, _ = fmt.Fprintf(p.w, "\r%.1f MiB", mib(p.total))
		}
		p.next = p.total + p.step
	}
	return len(b), nil
}

func (p *progress) finish() {
	if p.total > 0 {
		_, _ = fmt.Fprintln(p.w)
	}
}

func mib(n int64) float64 { return float64(n) / (1 << 20) }
