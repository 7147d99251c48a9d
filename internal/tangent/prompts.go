package tangent

import (
	"fmt"
	"strings"

	"recollect/internal/models"
)

// buildDetectionPrompt renders the rabbithole-classification prompt for the
// trailing conversation window.
func buildDetectionPrompt(window []models.SessionMessage, currentPoint *models.RecallPoint, allPoints []models.RecallPoint) string {
	var sb strings.Builder

	sb.WriteString("You are analyzing a tutoring conversation for topic drift.\n\n")
	sb.WriteString("The session is a recall exercise. The learner should be actively recalling the current point. ")
	sb.WriteString("A \"rabbithole\" is a sustained detour onto a topic that is not the current point, whether started by the learner or the tutor.\n\n")

	if currentPoint != nil {
		sb.WriteString("CURRENT POINT:\n")
		fmt.Fprintf(&sb, "- [%s] %s: %s\n\n", currentPoint.ID, currentPoint.Title, currentPoint.Content)
	}

	if len(allPoints) > 0 {
		sb.WriteString("ALL POINTS IN THIS SESSION:\n")
		for _, p := range allPoints {
			fmt.Fprintf(&sb, "- [%s] %s\n", p.ID, p.Title)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("RECENT CONVERSATION:\n")
	writeTranscript(&sb, window)

	sb.WriteString(`
Respond with ONLY a JSON object, no markdown, no commentary:
{
  "isRabbithole": true or false,
  "confidence": 0.0 to 1.0,
  "topic": "short label for the detour topic, empty if none",
  "depth": 1 to 3 (1 = brief aside, 3 = fully derailed),
  "relatedPointIds": ["ids of session points the detour touches, if any"]
}

Rules:
- Drifting onto ANOTHER point from this session is still a rabbithole; list it in relatedPointIds.
- A single clarifying question is not a rabbithole.
- Only report isRabbithole=true when the detour spans at least two turns.`)

	return sb.String()
}

// buildReturnPrompt renders the has-the-conversation-returned prompt for one
// open tangent.
func buildReturnPrompt(window []models.SessionMessage, currentPoint *models.RecallPoint, topic string) string {
	var sb strings.Builder

	sb.WriteString("A tutoring conversation went on a detour and you must judge whether it has come back.\n\n")
	fmt.Fprintf(&sb, "DETOUR TOPIC: %s\n", topic)
	if currentPoint != nil {
		fmt.Fprintf(&sb, "MAIN TOPIC (current recall point): %s\n", currentPoint.Title)
	}

	sb.WriteString("\nRECENT CONVERSATION:\n")
	writeTranscript(&sb, window)

	sb.WriteString(`
Respond with ONLY a JSON object, no markdown, no commentary:
{
  "hasReturned": true or false,
  "confidence": 0.0 to 1.0
}

hasReturned is true only when the LATEST messages are back on the main topic and the detour topic has been dropped.`)

	return sb.String()
}

func writeTranscript(sb *strings.Builder, window []models.SessionMessage) {
	for _, m := range window {
		role := "Learner"
		if m.Role == models.RoleAssistant {
			role = "Tutor"
		}
		fmt.Fprintf(sb, "[%d] %s: %s\n", m.Index, role, m.Content)
	}
}
