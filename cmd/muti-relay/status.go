package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/agent"
	"github.com/postalsys/muti-relay/internal/health"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/registry"
)

func statusCmd() *cobra.Command {
	var (
		addr        string
		asJSON      bool
		showMetrics bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running relay or agent",
		Long:  "Query the HTTP endpoint of a running relay or agent and print its sessions and tunnels.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := &statusClient{base: baseURL(addr), http: http.DefaultClient}
			out := cmd.OutOrStdout()

			rep, err := c.fetch(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				var buf bytes.Buffer
				if err := json.Indent(&buf, rep.raw, "", "  "); err != nil {
					return err
				}
				buf.WriteByte('\n')
				_, err := buf.WriteTo(out)
				return err
			}
			if err := rep.render(out); err != nil {
				return err
			}

			if showMetrics {
				fams, err := c.metrics(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				renderMetrics(out, fams)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "Address of the HTTP endpoint")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	cmd.Flags().BoolVarP(&showMetrics, "metrics", "m", false, "Also print traffic counters from /metrics")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

type statusClient struct {
	base string
	http *http.Client
}

// healthz is the document served on /healthz.
type healthz struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	health.Stats
}

type statusReport struct {
	health healthz
	raw    json.RawMessage
	relay  *registry.Snapshot
	agent  *agent.Status
}

func (c *statusClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.base, err)
	}
	return resp, nil
}

func (c *statusClient) fetch(ctx context.Context) (*statusReport, error) {
	rep := &statusReport{}

	// /healthz answers 503 with a partial document while not running.
	resp, err := c.get(ctx, "/healthz")
	if err != nil {
		return nil, err
	}
	err = json.NewDecoder(resp.Body).Decode(&rep.health)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("decode /healthz: %w", err)
	}

	resp, err = c.get(ctx, "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/status returned %s", resp.Status)
	}
	rep.raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rep.raw, &fields); err != nil {
		return nil, fmt.Errorf("decode /status: %w", err)
	}
	if _, ok := fields["client_id"]; ok {
		rep.agent = &agent.Status{}
		err = json.Unmarshal(rep.raw, rep.agent)
	} else {
		rep.relay = &registry.Snapshot{}
		err = json.Unmarshal(rep.raw, rep.relay)
	}
	if err != nil {
		return nil, fmt.Errorf("decode /status: %w", err)
	}
	return rep, nil
}

func (c *statusClient) metrics(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	resp, err := c.get(ctx, "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/metrics returned %s", resp.Status)
	}

	var parser expfmt.TextParser
	fams, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse /metrics: %w", err)
	}
	return fams, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func (r *statusReport) render(w io.Writer) error {
	switch {
	case r.relay != nil:
		renderRelayStatus(w, r.health, r.relay)
	case r.agent != nil:
		renderAgentStatus(w, r.health, r.agent)
	default:
		return fmt.Errorf("unrecognised status document")
	}
	return nil
}

func healthLabel(h healthz) string {
	if h.Running {
		return okStyle.Render(h.Status)
	}
	return failStyle.Render(h.Status)
}

func since(uptimeSecs int64) string {
	if uptimeSecs <= 0 {
		return "-"
	}
	return humanize.Time(time.Now().Add(-time.Duration(uptimeSecs) * time.Second))
}

func renderRelayStatus(w io.Writer, h healthz, snap *registry.Snapshot) {
	fmt.Fprintf(w, "%s %s, started %s\n", titleStyle.Render("relay"), healthLabel(h), since(h.UptimeSecs))
	fmt.Fprintf(w, "ports %s, %d in use, %d tunnels, %d streams\n\n",
		snap.PortRange, snap.PortsInUse, snap.TunnelCount, snap.StreamCount)

	if len(snap.Sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no agents connected"))
		return
	}

	sessions := newTable("SESSION", "CLIENT", "TOKEN", "REMOTE", "TRANSPORT", "CONNECTED", "TUNNELS")
	tunnels := newTable("TUNNEL", "CLIENT", "NAME", "LOCAL", "PORT", "STATE", "STREAMS", "TOTAL", "REJECTED")
	var nTunnels int
	for _, s := range snap.Sessions {
		sessions.Row(
			strconv.FormatUint(s.ID, 10),
			s.ClientID,
			s.TokenName,
			s.RemoteAddr,
			orDash(s.Transport),
			humanize.Time(s.EstablishedAt),
			strconv.Itoa(len(s.Tunnels)),
		)
		for _, t := range s.Tunnels {
			nTunnels++
			tunnels.Row(
				strconv.FormatUint(uint64(t.ID), 10),
				s.ClientID,
				orDash(t.Name),
				t.LocalAddr,
				strconv.Itoa(int(t.Port)),
				t.State.String(),
				streamsLabel(t.Streams, t.MaxStreams),
				humanize.Comma(int64(t.TotalStreams)),
				humanize.Comma(int64(t.Rejected)),
			)
		}
	}

	fmt.Fprintln(w, sessions.String())
	if nTunnels > 0 {
		fmt.Fprintln(w, tunnels.String())
	}
}

func renderAgentStatus(w io.Writer, h healthz, st *agent.Status) {
	fmt.Fprintf(w, "%s %s %s, %s\n", titleStyle.Render("agent"), st.ClientID, healthLabel(h), st.State)
	fmt.Fprintf(w, "relay %s", st.Server)
	if st.RTT > 0 {
		fmt.Fprintf(w, ", rtt %s", st.RTT.Round(time.Microsecond))
	}
	fmt.Fprintf(w, ", %d streams\n", st.Streams)
	if st.LastError != "" {
		fmt.Fprintf(w, "%s %s (%s, attempt %d)\n", failStyle.Render("last error:"), st.LastError,
			humanize.Time(st.LastFailure), st.Attempts)
	}
	fmt.Fprintln(w)

	if len(st.Tunnels) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tunnels configured"))
		return
	}

	tunnels := newTable("NAME", "LOCAL", "PUBLIC", "STATE", "ERROR")
	for _, t := range st.Tunnels {
		public := "-"
		if t.RemotePort != 0 {
			public = publicAddr(st.Server, t.RemotePort)
		}
		errMsg := "-"
		if t.Code != 0 {
			errMsg = t.CodeName()
			if t.Message != "" {
				errMsg += ": " + t.Message
			}
		}
		tunnels.Row(t.Name, t.LocalAddr, public, string(t.State), errMsg)
	}
	fmt.Fprintln(w, tunnels.String())
}

func streamsLabel(open, limit int) string {
	if limit > 0 {
		return fmt.Sprintf("%d/%d", open, limit)
	}
	return strconv.Itoa(open)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// renderMetrics prints the relay's own series from a /metrics scrape.
// Process and runtime series are skipped.
func renderMetrics(w io.Writer, fams map[string]*dto.MetricFamily) {
	prefix := metrics.Namespace + "_"

	names := make([]string, 0, len(fams))
	for name := range fams {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	t := newTable("METRIC", "VALUE")
	for _, name := range names {
		fam := fams[name]
		short := strings.TrimPrefix(name, prefix)
		for _, m := range fam.GetMetric() {
			t.Row(short+labelString(m.GetLabel()), metricValue(name, fam.GetType(), m))
		}
	}
	fmt.Fprintln(w, t.String())
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func metricValue(name string, typ dto.MetricType, m *dto.Metric) string {
	var v float64
	switch typ {
	case dto.MetricType_COUNTER:
		v = m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		v = m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		if h.GetSampleCount() == 0 {
			return "0 samples"
		}
		mean := h.GetSampleSum() / float64(h.GetSampleCount())
		return fmt.Sprintf("%s samples, mean %s", humanize.Comma(int64(h.GetSampleCount())),
			time.Duration(mean*float64(time.Second)).Round(time.Microsecond))
	default:
		v = m.GetUntyped().GetValue()
	}

	if strings.Contains(name, "bytes") {
		return humanize.IBytes(uint64(v))
	}
	return humanize.Comma(int64(v))
}
