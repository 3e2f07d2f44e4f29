package http

import (
	"time"

	"shardkeeper/pkg/deallocator"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusAccepted indicates a deallocation was started and is still running.
	StatusAccepted Status = "accepted"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewAcceptedResponse() Response {
	return Response{Status: StatusAccepted}
}

func NewResultResponse(r deallocator.Result) Response {
	return Response{Status: StatusSuccess, Result: r.String()}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type OutcomeResponse struct {
	MinAvailability string    `json:"min_availability"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

type StatusResponse struct {
	InProgress      bool             `json:"in_progress"`
	MinAvailability string           `json:"min_availability,omitempty"`
	Last            *OutcomeResponse `json:"last,omitempty"`
}

func NewStatusResponse(st deallocator.Status) StatusResponse {
	resp := StatusResponse{InProgress: st.InProgress, MinAvailability: st.Strategy}
	if st.Last != nil {
		resp.Last = &OutcomeResponse{
			MinAvailability: st.Last.Strategy,
			StartedAt:       st.Last.StartedAt,
			FinishedAt:      st.Last.FinishedAt,
		}
		if st.Last.Err != nil {
			resp.Last.Error = st.Last.Err.Error()
		} else {
			resp.Last.Result = st.Last.Result.String()
		}
	}
	return resp
}
