package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c360studio/semcrew/workflow"
	"github.com/fatih/color"
)

const timeFormat = "2006-01-02 15:04:05"

func disableColor() {
	color.NoColor = true
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func heading(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(title))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatLimit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func since(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

// Colored values always go in the last column so escape codes do not skew
// tabwriter's alignment.

func approvalStatus(s workflow.ApprovalStatus) string {
	switch s {
	case workflow.ApprovalPending:
		return color.YellowString(string(s))
	case workflow.ApprovalApproved:
		return color.GreenString(string(s))
	case workflow.ApprovalRejected:
		return color.RedString(string(s))
	default:
		return color.HiBlackString(string(s))
	}
}

func agentState(s workflow.AgentState) string {
	switch s {
	case workflow.AgentIdle:
		return color.GreenString(string(s))
	case workflow.AgentWorking:
		return color.CyanString(string(s))
	case workflow.AgentWaitingForHITL:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func taskStatus(s workflow.TaskStatus) string {
	switch s {
	case workflow.TaskCompleted:
		return color.GreenString(string(s))
	case workflow.TaskWorking, workflow.TaskPending:
		return color.CyanString(string(s))
	case workflow.TaskCancelled:
		return color.HiBlackString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func recoveryStatus(s workflow.RecoveryStatus) string {
	switch s {
	case workflow.RecoveryCompleted:
		return color.GreenString(string(s))
	case workflow.RecoveryFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func stepStatus(s workflow.StepStatus) string {
	switch s {
	case workflow.StepCompleted:
		return color.GreenString("✓ " + string(s))
	case workflow.StepFailed:
		return color.RedString("✗ " + string(s))
	case workflow.StepRunning:
		return color.CyanString("▶ " + string(s))
	default:
		return color.HiBlackString("· " + string(s))
	}
}

func usageBar(used, limit int) string {
	if limit <= 0 {
		return color.HiBlackString("n/a")
	}
	ratio := float64(used) / float64(limit)
	text := fmt.Sprintf("%.0f%%", ratio*100)
	switch {
	case ratio >= 1:
		return color.RedString(text)
	case ratio >= 0.8:
		return color.YellowString(text)
	default:
		return color.GreenString(text)
	}
}

func renderApprovals(w io.Writer, reqs []*workflow.ApprovalRequest, now time.Time) error {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No approval requests")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "ID\tPROJECT\tAGENT\tTYPE\tTOKENS\tEXPIRES IN\tSTATUS")
	for _, r := range reqs {
		expires := "-"
		if r.Status == workflow.ApprovalPending {
			expires = r.ExpiresAt.Sub(now).Truncate(time.Second).String()
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.ProjectID, orDash(string(r.AgentType)), r.RequestType,
			r.EstimatedTokens, expires, approvalStatus(r.Status))
	}
	return t.Flush()
}

func renderApproval(w io.Writer, r *workflow.ApprovalRequest) error {
	t := newTable(w)
	fmt.Fprintf(t, "ID:\t%s\n", r.ID)
	fmt.Fprintf(t, "Project:\t%s\n", r.ProjectID)
	fmt.Fprintf(t, "Task:\t%s\n", orDash(r.TaskID))
	fmt.Fprintf(t, "Agent:\t%s\n", orDash(string(r.AgentType)))
	fmt.Fprintf(t, "Type:\t%s\n", r.RequestType)
	fmt.Fprintf(t, "Estimated:\t%d tokens ($%.4f)\n", r.EstimatedTokens, r.EstimatedCost)
	fmt.Fprintf(t, "Expires:\t%s\n", r.ExpiresAt.Local().Format(timeFormat))
	if q, ok := r.RequestData["question"].(string); ok && q != "" {
		fmt.Fprintf(t, "Question:\t%s\n", q)
	}
	if r.UserComment != "" {
		fmt.Fprintf(t, "Comment:\t%s\n", r.UserComment)
	}
	fmt.Fprintf(t, "Status:\t%s\n", approvalStatus(r.Status))
	return t.Flush()
}

func renderAgents(w io.Writer, statuses []workflow.AgentStatus, now time.Time) error {
	sort.SliceStable(statuses, func(i, j int) bool {
		return pipelineIndex(statuses[i].AgentType) < pipelineIndex(statuses[j].AgentType)
	})
	t := newTable(w)
	fmt.Fprintln(t, "AGENT\tPHASE\tTASK\tLAST ACTIVITY\tERROR\tSTATE")
	for _, st := range statuses {
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.AgentType, st.AgentType.Phase(), orDash(st.CurrentTaskID),
			since(st.LastActivity, now), orDash(truncate(st.ErrorMessage, 40)), agentState(st.Status))
	}
	return t.Flush()
}

func renderTasks(w io.Writer, tasks []*workflow.Task) error {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "ID\tPROJECT\tAGENT\tINSTRUCTIONS\tERROR\tSTATUS")
	for _, task := range tasks {
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.ProjectID, task.AgentType, truncate(task.Instructions, 40),
			orDash(truncate(task.ErrorMessage, 30)), taskStatus(task.Status))
	}
	return t.Flush()
}

func renderBudget(w io.Writer, b *workflow.BudgetControl, now time.Time) error {
	t := newTable(w)
	fmt.Fprintf(t, "Scope:\t%s/%s\n", b.ProjectID, b.AgentType)
	fmt.Fprintf(t, "Daily:\t%d / %s\t%s\n", b.DailyUsed(now), formatLimit(b.DailyTokenLimit), usageBar(b.DailyUsed(now), b.DailyTokenLimit))
	fmt.Fprintf(t, "Session:\t%d / %s\t%s\n", b.SessionTokensUsed, formatLimit(b.SessionTokenLimit), usageBar(b.SessionTokensUsed, b.SessionTokenLimit))
	stop := color.HiBlackString("disabled")
	if b.EmergencyStopEnabled {
		stop = color.YellowString("enabled")
	}
	fmt.Fprintf(t, "Emergency stop on breach:\t%s\n", stop)
	return t.Flush()
}

func renderStops(w io.Writer, stops []*workflow.EmergencyStop) error {
	if len(stops) == 0 {
		fmt.Fprintln(w, "No emergency stops")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "ID\tPROJECT\tAGENT\tACTIVATED\tREASON\tSTATE")
	for _, s := range stops {
		state := color.HiBlackString("inactive")
		if s.Active {
			state = color.RedString("ACTIVE")
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.ProjectID, orDash(string(s.AgentType)),
			s.ActivatedAt.Local().Format(timeFormat), truncate(s.Reason, 40), state)
	}
	return t.Flush()
}

func renderSessions(w io.Writer, sessions []*workflow.RecoverySession) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No recovery sessions")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "ID\tPROJECT\tAGENT\tSTRATEGY\tPROGRESS\tREASON\tSTATUS")
	for _, s := range sessions {
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			s.ID, s.ProjectID, s.AgentType, s.Strategy, s.CurrentStep, s.TotalSteps(),
			truncate(s.FailureReason, 40), recoveryStatus(s.Status))
	}
	return t.Flush()
}

func renderSession(w io.Writer, s *workflow.RecoverySession) error {
	heading(w, fmt.Sprintf("Recovery %s (%s)", s.ID, s.Strategy))
	t := newTable(w)
	fmt.Fprintf(t, "Project:\t%s\n", s.ProjectID)
	fmt.Fprintf(t, "Task:\t%s\n", orDash(s.TaskID))
	fmt.Fprintf(t, "Agent:\t%s\n", s.AgentType)
	fmt.Fprintf(t, "Reason:\t%s\n", s.FailureReason)
	if s.EmergencyStopID != "" {
		fmt.Fprintf(t, "Emergency stop:\t%s\n", s.EmergencyStopID)
	}
	fmt.Fprintf(t, "Status:\t%s\n", recoveryStatus(s.Status))
	if err := t.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	t = newTable(w)
	fmt.Fprintln(t, "#\tACTION\tAPPROVAL\tTIMEOUT\tDESCRIPTION\tSTATUS")
	for i, step := range s.Steps {
		approval := "no"
		if step.RequiresApproval {
			approval = "yes"
		}
		marker := fmt.Sprintf("%d", i+1)
		if i == s.CurrentStep && !s.Status.IsDone() {
			marker = ">" + marker
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%ds\t%s\t%s\n",
			marker, step.ActionType, approval, step.TimeoutSeconds, truncate(step.Description, 50), stepStatus(step.Status))
	}
	return t.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// pipelineIndex orders agents by delivery phase; unknown types sort last.
func pipelineIndex(a workflow.AgentType) int {
	for i, t := range workflow.AgentTypes {
		if t == a {
			return i
		}
	}
	return len(workflow.AgentTypes)
}
