// Package report sends a plain-text summary of a completed session to the
// instructor chat.
package report

import (
	"context"
	"fmt"
	"strings"

	"clinical-sim/internal/casedef"
	"clinical-sim/internal/platform/logger"
	"clinical-sim/internal/session"
)

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Service struct {
	tgClient         TelegramClient
	instructorChatID int64
	log              *logger.Logger
}

func NewService(tg TelegramClient, instructorChatID int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		tgClient:         tg,
		instructorChatID: instructorChatID,
		log:              log.With("service", "Report"),
	}
}

// SessionCompleted implements session.Notifier.
func (s *Service) SessionCompleted(ctx context.Context, sess *session.Session, def *casedef.Definition) error {
	if s.instructorChatID == 0 {
		s.log.Debug("instructor chat not configured, skipping summary", "session_id", sess.ID)
		return nil
	}
	text := Summary(sess, def)
	if err := s.tgClient.SendMessage(ctx, s.instructorChatID, text); err != nil {
		return fmt.Errorf("send completion summary: %w", err)
	}
	s.log.Info("completion summary sent", "session_id", sess.ID)
	return nil
}

// Summary renders the instructor message for a completed session.
func Summary(sess *session.Session, def *casedef.Definition) string {
	var b strings.Builder
	title := sess.CaseID
	if def != nil && def.Title != "" {
		title = def.Title
	}
	fmt.Fprintf(&b, "Session completed: %s\n", title)
	fmt.Fprintf(&b, "Session: %s\n", sess.ID)
	if sess.StudentID != "" {
		fmt.Fprintf(&b, "Student: %s\n", sess.StudentID)
	}
	fmt.Fprintf(&b, "Simulated time: %d min\n", sess.ElapsedMinutes)

	if d := sess.FinalDiagnosis; d != nil {
		fmt.Fprintf(&b, "\nFinal diagnosis: %s\n", d.Diagnosis)
		if d.Reasoning != "" {
			fmt.Fprintf(&b, "Reasoning: %s\n", d.Reasoning)
		}
	} else {
		b.WriteString("\nFinal diagnosis: not submitted\n")
	}
	if def != nil && def.TargetCondition != nil {
		fmt.Fprintf(&b, "Target: %s\n", def.TargetCondition.Diagnosis)
	}

	sc := sess.Scoring
	if sc == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "\nScore: %g / %g (%.2f%%)\n", sc.Total, sc.Possible, sc.Percentage)
	for _, d := range sc.Domains {
		line := fmt.Sprintf("- %s: %g / %g", d.Name, d.Earned, d.Max)
		if d.Band != "" {
			line += " (" + d.Band + ")"
		}
		b.WriteString(line + "\n")
	}
	writeList(&b, "Strengths", sc.Strengths)
	writeList(&b, "Improvements", sc.Improvements)
	if sc.OverallFeedback != "" {
		fmt.Fprintf(&b, "\n%s\n", sc.OverallFeedback)
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
