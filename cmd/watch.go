package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/diagnosis-cli/internal/diagnosis"
	"github.com/sells-group/diagnosis-cli/internal/progress"
)

const (
	barWidth = 30
	// maxPollFailures bounds consecutive retryable poll failures.
	maxPollFailures = 10
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pendingStyle = lipgloss.NewStyle().Faint(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Poll a running server until a diagnosis job finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("client"); err != nil {
			return err
		}
		interval := watchInterval
		if interval <= 0 {
			interval = time.Duration(cfg.Client.PollIntervalSecs) * time.Second
		}
		return watchJob(cmd.Context(), newAPIClient(cfg.Client.ServerURL), args[0], interval, cmd.OutOrStdout())
	},
}

// watchJob polls jobID every interval and prints each snapshot until the job
// is terminal. A job that ends in error is returned as an error. Timeouts and
// server-side failures are retried on the next tick; other client errors
// such as an unknown job end the watch.
func watchJob(ctx context.Context, c *apiClient, jobID string, interval time.Duration, out io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		resp, err := c.poll(ctx, jobID)
		switch {
		case err == nil:
			failures = 0
			fmt.Fprintln(out, renderProgress(resp))
			if resp.Completed {
				if resp.Progress.Status == progress.JobError {
					return eris.Errorf("job %s failed: %s", jobID, resp.Progress.ErrorMessage)
				}
				return nil
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case retryable(err) && failures < maxPollFailures:
			failures++
			zap.L().Warn("watch: poll failed, retrying",
				zap.String("job_id", jobID),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			fmt.Fprintln(out, noticeStyle.Render("서버 응답이 지연되고 있습니다. 다음 주기에 다시 확인합니다"))
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// renderProgress formats one poll response for the terminal.
func renderProgress(resp *diagnosis.PollResponse) string {
	st := resp.Progress
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("%s  %3.0f%%", st.JobID, st.OverallProgressPercent)))
	b.WriteString("\n")
	b.WriteString(progressBar(st.OverallProgressPercent, barWidth))
	b.WriteString("\n")

	titleWidth := 0
	for _, step := range st.Steps {
		titleWidth = max(titleWidth, lipgloss.Width(step.Title))
	}
	for _, step := range st.Steps {
		icon, style := stepGlyph(step.Status)
		line := fmt.Sprintf(" %s %s", icon, padRight(step.Title, titleWidth))
		if step.Status == progress.StepInProgress && step.ProgressPercent > 0 {
			line += fmt.Sprintf("  %3.0f%%", step.ProgressPercent)
		}
		if step.Detail != "" {
			line += "  " + step.Detail
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	if resp.Message != "" {
		b.WriteString(resp.Message)
		b.WriteString("\n")
	}
	if resp.Timing.FallbackMode {
		b.WriteString(noticeStyle.Render("처리 서버 응답이 지연되어 예상 진행 상황을 표시하고 있습니다"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func stepGlyph(s progress.StepStatus) (string, lipgloss.Style) {
	switch s {
	case progress.StepCompleted:
		return "✓", doneStyle
	case progress.StepInProgress:
		return "▶", activeStyle
	case progress.StepError:
		return "✗", errorStyle
	default:
		return "·", pendingStyle
	}
}

func progressBar(pct float64, width int) string {
	filled := int(math.Round(pct / 100 * float64(width)))
	filled = min(max(filled, 0), width)
	return "[" + doneStyle.Render(strings.Repeat("█", filled)) + strings.Repeat("░", width-filled) + "]"
}

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "poll interval (default from config)")
	rootCmd.AddCommand(watchCmd)
}
