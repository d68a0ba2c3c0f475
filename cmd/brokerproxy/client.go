package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/brokerproxy/internal/model"
	"github.com/terrpan/brokerproxy/internal/proxy"
	"github.com/terrpan/brokerproxy/internal/runnerstate"
)

const requestTimeout = 10 * time.Second

var addrFlag string

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show target sessions, instances and the local job queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newLocalClient()
			if err != nil {
				return err
			}
			snap, err := c.snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(snap))
			return nil
		},
	}
	addAddrFlag(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func newPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop handing queued jobs to local instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postPause(cmd, "/runner/pause")
		},
	}
	addAddrFlag(cmd)
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume handing queued jobs to local instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postPause(cmd, "/runner/resume")
		},
	}
	addAddrFlag(cmd)
	return cmd
}

func addAddrFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&addrFlag, "addr", "", "Listener address of the running proxy (default from listener config)")
}

func postPause(cmd *cobra.Command, path string) error {
	c, err := newLocalClient()
	if err != nil {
		return err
	}
	var view runnerstate.View
	if err := c.do(cmd.Context(), http.MethodPost, path, &view); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderPause(view.Pause))
	return nil
}

// ---------------------------------------------------------------------------
// Local listener client
// ---------------------------------------------------------------------------

type localClient struct {
	base string
	http *http.Client
}

func newLocalClient() (*localClient, error) {
	base := addrFlag
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if base, err = localURL(cfg); err != nil {
			return nil, err
		}
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	client := cleanhttp.DefaultClient()
	client.Timeout = requestTimeout
	return &localClient{base: strings.TrimRight(base, "/"), http: client}, nil
}

func (c *localClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting brokerproxy at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// statusSnapshot is what the status command renders.
type statusSnapshot struct {
	Targets []model.TargetSessionState `json:"targets"`
	Jobs    proxy.JobsResponse         `json:"jobs"`
	Runner  runnerstate.View           `json:"runner"`
}

func (c *localClient) snapshot(ctx context.Context) (statusSnapshot, error) {
	var snap statusSnapshot
	if err := c.do(ctx, http.MethodGet, "/status", &snap.Targets); err != nil {
		return snap, err
	}
	if err := c.do(ctx, http.MethodGet, "/jobs", &snap.Jobs); err != nil {
		return snap, err
	}
	if err := c.do(ctx, http.MethodGet, "/runner/state", &snap.Runner); err != nil {
		return snap, err
	}
	return snap, nil
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

var (
	colorSuccess = lipgloss.Color("#10B981")
	colorFailure = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
	colorMuted   = lipgloss.Color("#6B7280")

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F9FAFB")).
			Background(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleFailure = lipgloss.NewStyle().Foreground(colorFailure)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderStatus(snap statusSnapshot) string {
	var b strings.Builder
	st := snap.Runner.State

	b.WriteString(styleHeader.Render("brokerproxy"))
	b.WriteString(" ")
	b.WriteString(string(st.Phase))
	if st.Activity != "" {
		b.WriteString(" / " + string(st.Activity))
	}
	b.WriteString("\n")
	if snap.Runner.Pause.Paused {
		b.WriteString(renderPause(snap.Runner.Pause) + "\n")
	}
	if st.Error != "" {
		b.WriteString(styleFailure.Render("error: "+st.Error) + "\n")
	}

	b.WriteString("\n" + styleHeader.Render("Targets") + "\n")
	if len(snap.Targets) == 0 {
		b.WriteString(styleMuted.Render("  none") + "\n")
	}
	for _, t := range snap.Targets {
		fmt.Fprintf(&b, "  %s %-24s %-14s jobs=%d", targetIcon(t), t.Name, t.Phase, t.JobsAssigned)
		if t.LastPoll != nil {
			fmt.Fprintf(&b, " last-poll=%s", t.LastPoll.Local().Format(time.TimeOnly))
		}
		if t.Error != "" {
			b.WriteString(" " + styleFailure.Render(t.Error))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n" + styleHeader.Render("Instances") + "\n")
	ids := make([]int, 0, len(st.Instances))
	for id := range st.Instances {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if len(ids) == 0 {
		b.WriteString(styleMuted.Render("  none") + "\n")
	}
	for _, id := range ids {
		inst := st.Instances[id]
		fmt.Fprintf(&b, "  #%d %-10s completed=%d", id, inst.Status, inst.JobsCompleted)
		if inst.CurrentJob != nil {
			fmt.Fprintf(&b, " running %q", inst.CurrentJob.Name)
		}
		if inst.FatalError {
			b.WriteString(" " + styleFailure.Render("fatal: "+inst.Error))
		} else if inst.Error != "" {
			b.WriteString(" " + styleWarning.Render(inst.Error))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nqueued jobs: %d  accepting: %t\n", snap.Jobs.Queued, snap.Runner.CanAcceptJob)
	return b.String()
}

func targetIcon(t model.TargetSessionState) string {
	switch {
	case !t.Enabled:
		return styleMuted.Render("-")
	case t.Error != "":
		return styleFailure.Render("X")
	case t.SessionActive:
		return styleSuccess.Render("*")
	default:
		return styleWarning.Render("o")
	}
}

func renderPause(p runnerstate.PauseState) string {
	if !p.Paused {
		return styleSuccess.Render("running")
	}
	msg := "paused (" + p.Source + ")"
	if p.Reason != "" {
		msg += ": " + p.Reason
	}
	return styleWarning.Render(msg)
}
