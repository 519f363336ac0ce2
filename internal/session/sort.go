package session

import (
	"sort"

	"wisp/internal/models"
)

func sortParticipants(ps []*models.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt != ps[j].JoinedAt {
			return ps[i].JoinedAt < ps[j].JoinedAt
		}
		return ps[i].Seq < ps[j].Seq
	})
}

func sortRequests(reqs []*models.JoinRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].Timestamp < reqs[j].Timestamp
	})
}

func sortMessages(msgs []*models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Seq < msgs[j].Seq
	})
}
