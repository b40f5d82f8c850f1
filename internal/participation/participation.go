// Package participation implements the participation state machine. It is
// pure: Decide never touches the network and never mutates its input.
package participation

import (
	"fmt"
	"slices"

	"github.com/Shivanand-hulikatti/meetup-client/internal/apperr"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
)

// MaxCancellations is the number of cancellations after which a user can no
// longer join the same event.
const MaxCancellations = 2

// Op is an operation on one participation.
type Op string

const (
	OpJoin                         Op = "join"
	OpOrganizerApprove             Op = "organizerApprove"
	OpOrganizerDeny                Op = "organizerDeny"
	OpSelfCancel                   Op = "selfCancel"
	OpRequestCancellation          Op = "requestCancellation"
	OpOrganizerApproveCancellation Op = "organizerApproveCancellation"
	OpOrganizerDenyCancellation    Op = "organizerDenyCancellation"
	OpMarkAttended                 Op = "markAttended"
	OpMarkAbsent                   Op = "markAbsent"
)

// Ops lists every operation in table order.
var Ops = []Op{
	OpJoin,
	OpOrganizerApprove,
	OpOrganizerDeny,
	OpSelfCancel,
	OpRequestCancellation,
	OpOrganizerApproveCancellation,
	OpOrganizerDenyCancellation,
	OpMarkAttended,
	OpMarkAbsent,
}

// Guard carries the facts transitions depend on besides the current state.
type Guard struct {
	IsOrganizer bool
	HasStarted  bool
}

type rule struct {
	from      []model.Status
	to        model.Status
	organizer bool
	started   bool
	cancels   bool
}

var rules = map[Op]rule{
	OpJoin: {
		from: []model.Status{model.StatusNone, model.StatusCancelled, model.StatusDenied},
		to:   model.StatusPending,
	},
	OpOrganizerApprove: {
		from:      []model.Status{model.StatusPending},
		to:        model.StatusApproved,
		organizer: true,
	},
	OpOrganizerDeny: {
		from:      []model.Status{model.StatusPending},
		to:        model.StatusDenied,
		organizer: true,
	},
	OpSelfCancel: {
		from:    []model.Status{model.StatusPending},
		to:      model.StatusCancelled,
		cancels: true,
	},
	OpRequestCancellation: {
		from: []model.Status{model.StatusApproved},
		to:   model.StatusRequestingCancellation,
	},
	OpOrganizerApproveCancellation: {
		from:      []model.Status{model.StatusRequestingCancellation},
		to:        model.StatusCancelled,
		organizer: true,
		cancels:   true,
	},
	OpOrganizerDenyCancellation: {
		from:      []model.Status{model.StatusRequestingCancellation},
		to:        model.StatusApproved,
		organizer: true,
	},
	OpMarkAttended: {
		from:      []model.Status{model.StatusApproved},
		to:        model.StatusCheckedIn,
		organizer: true,
		started:   true,
	},
	OpMarkAbsent: {
		from:      []model.Status{model.StatusApproved},
		to:        model.StatusNoShow,
		organizer: true,
		started:   true,
	},
}

// Decide applies op to p. On failure p is returned unchanged together with
// an *apperr.Error of kind TooManyCancellations or InvalidTransition.
func Decide(p model.Participation, op Op, g Guard) (model.Participation, error) {
	if op == OpJoin && p.CancelCount >= MaxCancellations {
		return p, apperr.New(apperr.KindTooManyCancellations, "")
	}

	r, ok := rules[op]
	if !ok {
		return p, invalid(p, op, "unknown operation")
	}
	status := p.Status.Normalize()
	if !slices.Contains(r.from, status) {
		return p, invalid(p, op, "not allowed from "+string(status))
	}
	if r.organizer && !g.IsOrganizer {
		return p, invalid(p, op, "organizer only")
	}
	if r.started && !g.HasStarted {
		return p, invalid(p, op, "event has not started")
	}

	next := p
	next.Status = r.to
	if r.cancels {
		next.CancelCount++
	}
	return next, nil
}

// Available returns the operations Decide would accept for p, in table order.
func Available(p model.Participation, g Guard) []Op {
	var ops []Op
	for _, op := range Ops {
		if _, err := Decide(p, op, g); err == nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func invalid(p model.Participation, op Op, reason string) error {
	return apperr.Wrap(apperr.KindInvalidTransition, "",
		fmt.Errorf("%s on %s: %s", op, p.Status.Normalize(), reason))
}
