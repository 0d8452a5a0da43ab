package handler

import (
	"time"

	"github.com/google/uuid"

	"regledger/internal/accesslist/aggregate"
	"regledger/internal/accesslist/store"
)

type createRequest struct {
	Owner       string `json:"owner"`
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRequest struct {
	Identifier  *string `json:"identifier"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type actionsRequest struct {
	Actions []string `json:"actions"`
}

type membersRequest struct {
	Members []string `json:"members"`
}

type infoResponse struct {
	ID          uuid.UUID `json:"id"`
	Owner       string    `json:"owner"`
	Identifier  string    `json:"identifier"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int64     `json:"version"`
}

type connectionResponse struct {
	ResourceID string    `json:"resource_id"`
	Actions    []string  `json:"actions"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

type membershipResponse struct {
	MemberID uuid.UUID `json:"member_id"`
	Since    time.Time `json:"since"`
}

type listResponse[T any] struct {
	Items     []T    `json:"items"`
	NextToken string `json:"next_token,omitempty"`
}

type eventResponse struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Identifier  *string  `json:"identifier,omitempty"`
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	ResourceID  string   `json:"resource_id,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	Members     []string `json:"members,omitempty"`
}

func fromInfo(info *store.Info) *infoResponse {
	return &infoResponse{
		ID:          info.ID,
		Owner:       info.Owner,
		Identifier:  info.Identifier,
		Name:        info.Name,
		Description: info.Description,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.UpdatedAt,
		Version:     int64(info.Version),
	}
}

func fromEvents(events []aggregate.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		resp := eventResponse{
			ID:        int64(ev.ID()),
			Kind:      string(ev.Kind()),
			Timestamp: ev.EventTime(),
		}
		switch e := ev.(type) {
		case *aggregate.Created:
			resp.Identifier = &e.Identifier
			resp.Name = &e.Name
			if e.Description != "" {
				resp.Description = &e.Description
			}
		case *aggregate.Updated:
			resp.Identifier = e.Identifier
			resp.Name = e.Name
			resp.Description = e.Description
		case *aggregate.Deleted:
		case *aggregate.ResourceConnectionCreated:
			resp.ResourceID = e.ResourceID
			resp.Actions = e.Actions
		case *aggregate.ResourceConnectionActionsAdded:
			resp.ResourceID = e.ResourceID
			resp.Actions = e.Actions
		case *aggregate.ResourceConnectionActionsRemoved:
			resp.ResourceID = e.ResourceID
			resp.Actions = e.Actions
		case *aggregate.ResourceConnectionDeleted:
			resp.ResourceID = e.ResourceID
		case *aggregate.MembersAdded:
			resp.Members = memberStrings(e.Members)
		case *aggregate.MembersRemoved:
			resp.Members = memberStrings(e.Members)
		}
		out = append(out, resp)
	}
	return out
}

func memberStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
