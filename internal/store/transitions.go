package store

import (
	"fmt"

	"turnero/ticket-service/internal/models"
)

type Action string

const (
	ActionServe      Action = "serve"
	ActionAbandon    Action = "abandon"
	ActionReschedule Action = "reschedule"
	ActionActivate   Action = "activate"
	ActionExpire     Action = "expire"
	// ActionExhaust closes a ticket whose reschedule allowance is used up.
	ActionExhaust    Action = "exhaust"
)

type transition struct {
	from []models.State
	to   models.State
}

var transitionMap = map[Action]transition{
	ActionServe:      {from: []models.State{models.StateWaiting}, to: models.StateServed},
	ActionAbandon:    {from: []models.State{models.StateWaiting}, to: models.StateAbandoned},
	ActionReschedule: {from: []models.State{models.StateWaiting, models.StateRescheduled}, to: models.StateRescheduled},
	ActionActivate:   {from: []models.State{models.StateRescheduled}, to: models.StateWaiting},
	ActionExpire:     {from: []models.State{models.StateRescheduled}, to: models.StateAbandoned},
	ActionExhaust:    {from: []models.State{models.StateWaiting, models.StateRescheduled}, to: models.StateAbandoned},
}

func ValidTransition(action Action, from models.State) bool {
	rule, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, state := range rule.from {
		if state == from {
			return true
		}
	}
	return false
}

// Transition returns the state an action leads to from the given state,
// or ErrInvalidTransition.
func Transition(action Action, from models.State) (models.State, error) {
	if !ValidTransition(action, from) {
		return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
	}
	return transitionMap[action].to, nil
}
