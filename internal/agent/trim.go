package agent

import (
	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/pkg/utils"
)

// EstimateMessage approximates the token cost of a message body.
func EstimateMessage(m models.Message) int {
	return utils.EstimateTokens(m.BodyForEstimate())
}

// Trim keeps the system message and the newest messages whose estimated cost
// fits budget, dropping from the oldest end. Tool results left at the front
// without their assistant call are dropped too.
func Trim(history []models.Message, budget int) []models.Message {
	if len(history) == 0 {
		return history
	}
	var system *models.Message
	used := 0
	for i := range history {
		if history[i].Role == models.RoleSystem {
			system = &history[i]
			used = EstimateMessage(*system)
			break
		}
	}

	var kept []models.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == models.RoleSystem {
			continue
		}
		cost := EstimateMessage(m)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, m)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	for len(kept) > 0 && kept[0].Role == models.RoleTool {
		kept = kept[1:]
	}

	out := make([]models.Message, 0, len(kept)+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, kept...)
}
