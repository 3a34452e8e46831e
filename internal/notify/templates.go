package notify

import (
	"log"
	"strings"

	"turnero/ticket-service/internal/models"
)

var defaultTemplates = map[string]string{
	"ticket.issued":      "Turno {sequence_label} registrado.",
	"ticket.served":      "Turno {sequence_label} atendido.",
	"ticket.abandoned":   "Turno {sequence_label} cerrado ({reason}).",
	"ticket.rescheduled": "Turno {sequence_label} reprogramado.",
	"ticket.waiting":     "Turno {sequence_label} de vuelta en la fila.",
}

// Render builds the notification for an event from its default template.
func Render(event models.Event) Notification {
	eventType := event.Type()
	return Notification{
		Type:    eventType,
		Event:   event,
		Message: renderTemplate(defaultTemplates[eventType], event),
	}
}

func renderTemplate(template string, event models.Event) string {
	vars := map[string]string{
		"{sequence_label}": event.SequenceLabel,
		"{branch_id}":      event.BranchID,
		"{category_id}":    event.CategoryID,
		"{reason}":         event.Reason,
		"{state}":          event.ToState.String(),
	}
	result := template
	for placeholder, value := range vars {
		if !strings.Contains(result, placeholder) {
			continue
		}
		if value == "" {
			log.Printf("notif missing variable: %s", strings.Trim(placeholder, "{}"))
		}
		result = strings.ReplaceAll(result, placeholder, value)
	}
	return result
}
