package authority

import "wisp/internal/models"

// JoinOutcome is the three-state result of a join attempt.
type JoinOutcome int

const (
	OutcomeJoined JoinOutcome = iota
	OutcomePending
	OutcomeRejected
)

func (o JoinOutcome) String() string {
	switch o {
	case OutcomeJoined:
		return "joined"
	case OutcomePending:
		return "pending"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// JoinResult carries the outcome plus, on Joined, a fresh snapshot of the
// room's live state so the caller can seed its local view.
type JoinResult struct {
	Outcome      JoinOutcome
	Room         *models.Room
	Participants []*models.Participant
	Messages     []*models.Message
	Requests     []*models.JoinRequest // populated for the admin only
	Request      *models.JoinRequest   // the pending request on OutcomePending
}
