package services

import (
	"fmt"
	"strings"

	"recollect/internal/models"
)

// tutorSystemPrompt frames the LLM as a Socratic recall tutor for the
// session's target points. When tangentTopic is set the tutor follows the
// detour instead of steering back.
func tutorSystemPrompt(set *models.RecallSet, targets []models.RecallPoint, tangentTopic string) string {
	var sb strings.Builder

	sb.WriteString("You are a Socratic tutor running an active-recall session. ")
	sb.WriteString("Never state the answer to a point the learner has not recalled yet; ask guiding questions instead. ")
	sb.WriteString("Keep replies short, one question or nudge at a time.\n\n")

	if set != nil {
		fmt.Fprintf(&sb, "SET: %s\n", set.Name)
		if set.Description != "" {
			fmt.Fprintf(&sb, "DESCRIPTION: %s\n", set.Description)
		}
	}

	sb.WriteString("\nTARGET POINTS (the learner should recall each of these):\n")
	for _, p := range targets {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", p.ID, p.Title, p.Content)
	}

	if tangentTopic != "" {
		fmt.Fprintf(&sb, "\nThe learner has chosen to explore a side topic: %q. Engage with it genuinely. Do not force the conversation back until they are ready.\n", tangentTopic)
	} else {
		sb.WriteString("\nIf the conversation drifts, gently steer it back toward the target points.\n")
	}

	return sb.String()
}

// buildOpeningPrompt asks the tutor for the session's first turn.
func buildOpeningPrompt(set *models.RecallSet, targets []models.RecallPoint, recalledCount int, resuming bool) string {
	var sb strings.Builder
	if resuming {
		fmt.Fprintf(&sb, "The learner is returning to a paused session with %d of %d points already recalled. ", recalledCount, len(targets))
		sb.WriteString("Welcome them back briefly and pick up with the next unrecalled point.")
	} else {
		sb.WriteString("Open the session: greet the learner in one sentence, then ask an opening recall question about the first target point. Do not reveal its content.")
	}
	return sb.String()
}

// buildEvaluationPrompt asks for a structured verdict on which missing points
// the learner's latest message demonstrably recalled.
func buildEvaluationPrompt(missing []models.RecallPoint, transcript []models.SessionMessage, latest string) string {
	var sb strings.Builder

	sb.WriteString("You are grading an active-recall exercise. Decide which of the points below the learner has JUST demonstrably recalled in their latest message. ")
	sb.WriteString("Recalled means they produced the substance of the point themselves; being told it or vaguely gesturing at it does not count.\n\n")

	sb.WriteString("POINTS NOT YET RECALLED:\n")
	for _, p := range missing {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", p.ID, p.Title, p.Content)
	}

	// A short tail of context helps judge references like "as I said".
	tail := transcript
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	if len(tail) > 0 {
		sb.WriteString("\nRECENT CONTEXT:\n")
		for _, m := range tail {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
	}

	fmt.Fprintf(&sb, "\nLATEST LEARNER MESSAGE:\n%s\n", latest)

	sb.WriteString(`
Respond with ONLY a JSON object, no markdown:
{"recalledPointIds": ["ids recalled in the latest message, or empty"]}`)

	return sb.String()
}
