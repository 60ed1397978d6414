package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intgmgr/pkg/bus"
	gos3 "intgmgr/pkg/s3"
	"intgmgr/services/orchestrator"
)

const defaultAPI = "http://localhost:8080"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	api string
	out io.Writer
}

func (g *globals) client() (*apiClient, error) {
	return newAPIClient(g.api, nil)
}

func (g *globals) print(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	g := &globals{out: os.Stdout}
	api := os.Getenv("INTGMGR_API")
	if api == "" {
		api = defaultAPI
	}

	cmd := &cobra.Command{
		Use:           "intgctl",
		Short:         "Operate an integration manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			g.out = cmd.OutOrStdout()
		},
	}
	cmd.PersistentFlags().StringVar(&g.api, "api", api, "Base URL of the manager API (INTGMGR_API)")

	cmd.AddCommand(newIntegrationsCommand(g))
	cmd.AddCommand(newUpdateCommand(g))
	cmd.AddCommand(newInstallCommand(g))
	cmd.AddCommand(newJobCommand(g))
	cmd.AddCommand(newBackupsCommand(g))
	cmd.AddCommand(newSettingsCommand(g))
	cmd.AddCommand(newEventsCommand(g))
	return cmd
}

func groupCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}

func newIntegrationsCommand(g *globals) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "integrations",
		Short: "List installed integrations with their latest job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			path := "/v1/integrations"
			if refresh {
				path += "?refresh=true"
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return g.print(out)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the manager's cached device view")
	return cmd
}

func newUpdateCommand(g *globals) *cobra.Command {
	return newJobRequestCommand(g, "update", "Request an update and optionally wait for it to finish")
}

func newInstallCommand(g *globals) *cobra.Command {
	return newJobRequestCommand(g, "install", "Install a catalog integration that is not on the device yet")
}

// newJobRequestCommand posts to /v1/integrations/<id>/<action>, which starts a job.
func newJobRequestCommand(g *globals, action, short string) *cobra.Command {
	var (
		selector string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   action + " <integration>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var resp struct {
				Job orchestrator.JobStatus `json:"job"`
			}
			body := map[string]string{"version": selector}
			if err := c.do(cmd.Context(), "POST", "/v1/integrations/"+url.PathEscape(args[0])+"/"+action, body, &resp); err != nil {
				return err
			}
			if !wait {
				return g.print(resp.Job)
			}
			st, err := waitJob(cmd.Context(), c, args[0], interval)
			if err != nil {
				return err
			}
			if err := g.print(st); err != nil {
				return err
			}
			if st.Outcome == orchestrator.OutcomeFailed {
				return fmt.Errorf("%s failed in %s: %s", action, st.ErrorPhase, st.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&selector, "version", orchestrator.SelectorLatest, "Tag to install, latest or latest_including_prerelease")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --wait")
	return cmd
}

func newJobCommand(g *globals) *cobra.Command {
	cmd := groupCommand("job", "Inspect or cancel an integration's job")

	status := &cobra.Command{
		Use:   "status <integration>",
		Short: "Show the current or last job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jobCall(cmd.Context(), g, "GET", args[0])
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <integration>",
		Short: "Cancel the running job where the phase allows it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jobCall(cmd.Context(), g, "DELETE", args[0])
		},
	}
	var limit int
	history := &cobra.Command{
		Use:   "history <integration>",
		Short: "List finished jobs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out map[string]any
			path := fmt.Sprintf("/v1/integrations/%s/history?limit=%d", url.PathEscape(args[0]), limit)
			if err := c.do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return g.print(out)
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum entries")

	cmd.AddCommand(status, cancel, history)
	return cmd
}

func jobCall(ctx context.Context, g *globals, method, id string) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	var resp struct {
		Job orchestrator.JobStatus `json:"job"`
	}
	if err := c.do(ctx, method, "/v1/integrations/"+url.PathEscape(id)+"/job", nil, &resp); err != nil {
		return err
	}
	return g.print(resp.Job)
}

func waitJob(ctx context.Context, c *apiClient, id string, interval time.Duration) (orchestrator.JobStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var resp struct {
			Job orchestrator.JobStatus `json:"job"`
		}
		if err := c.do(ctx, "GET", "/v1/integrations/"+url.PathEscape(id)+"/job", nil, &resp); err != nil {
			return orchestrator.JobStatus{}, err
		}
		if !resp.Job.Active {
			return resp.Job, nil
		}
		select {
		case <-ctx.Done():
			return resp.Job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newBackupsCommand(g *globals) *cobra.Command {
	cmd := groupCommand("backups", "Capture, export and import configuration backups")
	cmd.AddCommand(newBackupsCreateCommand(g))
	cmd.AddCommand(newBackupsExportCommand(g))
	cmd.AddCommand(newBackupsImportCommand(g))
	cmd.AddCommand(newBackupsOffloadCommand(g))
	return cmd
}

func newBackupsCreateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "create [integration]",
		Short: "Capture a snapshot of one integration, or of all when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			path := "/v1/backups"
			if len(args) == 1 {
				path = "/v1/integrations/" + url.PathEscape(args[0]) + "/backups"
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "POST", path, nil, &out); err != nil {
				return err
			}
			return g.print(out)
		},
	}
}

func newBackupsExportCommand(g *globals) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download an archive of every snapshot and the settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			resp, err := c.send(cmd.Context(), "GET", "/v1/backups/export", nil, "")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if output == "" {
				output = attachmentName(resp.Header.Get("Content-Disposition"))
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			n, err := io.Copy(f, resp.Body)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(output)
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(g.out, "wrote %s (%d bytes, %s snapshots)\n", output, n, resp.Header.Get("X-Snapshot-Count"))
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Destination file (defaults to the server's archive name)")
	return cmd
}

func newBackupsImportCommand(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upload an archive from a file or an s3:// URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			body, err := openArchive(cmd.Context(), file)
			if err != nil {
				return err
			}
			defer body.Close()

			resp, err := c.send(cmd.Context(), "POST", "/v1/backups/import", body, "application/octet-stream")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decode import response: %w", err)
			}
			return g.print(out)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Archive path or s3://bucket/key")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBackupsOffloadCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "offload",
		Short: "Have the manager upload an archive to its object store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "POST", "/v1/backups/offload", nil, &out); err != nil {
				return err
			}
			return g.print(out)
		},
	}
}

// openArchive reads a local file or, for s3:// URLs, the object configured by
// the S3_* environment.
func openArchive(ctx context.Context, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, "s3://") {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		return f, nil
	}
	bucket, key, err := parseS3URL(location)
	if err != nil {
		return nil, err
	}
	client, err := gos3.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return client.GetObject(ctx, bucket, key)
}

func parseS3URL(raw string) (string, string, error) {
	trimmed := strings.TrimPrefix(raw, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", raw)
	}
	return parts[0], parts[1], nil
}

func attachmentName(disposition string) string {
	const marker = "filename="
	if i := strings.Index(disposition, marker); i >= 0 {
		name := strings.Trim(disposition[i+len(marker):], `"; `)
		if name != "" && !strings.ContainsAny(name, `/\`) {
			return name
		}
	}
	return "intg-backup.tar.zst"
}

func newSettingsCommand(g *globals) *cobra.Command {
	cmd := groupCommand("settings", "Read or change manager settings")
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "GET", "/v1/settings", nil, &out); err != nil {
				return err
			}
			return g.print(out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key=value>...",
		Short: "Change settings; values are JSON literals or plain strings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "PUT", "/v1/settings", patch, &out); err != nil {
				return err
			}
			return g.print(out)
		},
	})
	return cmd
}

func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		patch[key] = v
	}
	return patch, nil
}

func newEventsCommand(g *globals) *cobra.Command {
	cmd := groupCommand("events", "Follow lifecycle events")
	var (
		natsURL string
		kind    string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print lifecycle events published on NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if natsURL == "" {
				return errors.New("--nats or NATS_URL is required")
			}
			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			ctx := cmd.Context()
			sub, err := b.Subscribe(ctx, bus.EventSubject(kind), "", func(_ context.Context, subject string, data []byte) error {
				_, err := fmt.Fprintf(g.out, "%s %s\n", subject, data)
				return err
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()
			<-ctx.Done()
			return nil
		},
	}
	tail.Flags().StringVar(&natsURL, "nats", os.Getenv("NATS_URL"), "NATS server URL")
	tail.Flags().StringVar(&kind, "kind", "*", "Event kind, e.g. update_failed")
	cmd.AddCommand(tail)
	return cmd
}
