package http

import (
	"net/http"

	"github.com/pkg/errors"

	"walstore/pkg/dberrors"
)

type Status string

const (
	StatusOK      Status = "OK"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the JSON body of every reply except record bodies, which are
// served raw.
type Response struct {
	Status    Status `json:"status"`
	Recid     uint64 `json:"recid,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// errorClass ties a store sentinel to its HTTP status and to the code a
// client turns back into the same sentinel.
type errorClass struct {
	sentinel error
	status   int
	code     string
}

var errorClasses = []errorClass{
	{dberrors.ErrRecordNotFound, http.StatusNotFound, "record_not_found"},
	{dberrors.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{dberrors.ErrCompactionRunning, http.StatusConflict, "compaction_running"},
	{dberrors.ErrPoisoned, http.StatusServiceUnavailable, "poisoned"},
	{dberrors.ErrClosed, http.StatusServiceUnavailable, "closed"},
}

const codeInternal = "internal"

func okResponse() Response {
	return Response{Status: StatusOK}
}

func successResponse() Response {
	return Response{Status: StatusSuccess}
}

func recidResponse(recid uint64) Response {
	return Response{Status: StatusSuccess, Recid: recid}
}

// errorResponse classifies err by the first sentinel it wraps.
func errorResponse(err error, requestID string) (int, Response) {
	resp := Response{Status: StatusError, Code: codeInternal, Error: err.Error(), RequestID: requestID}
	for _, c := range errorClasses {
		if errors.Is(err, c.sentinel) {
			resp.Code = c.code
			return c.status, resp
		}
	}
	return http.StatusInternalServerError, resp
}

// Err rebuilds the error a failed request reported, wrapping the sentinel
// its code names.
func (r Response) Err(status int) error {
	for _, c := range errorClasses {
		if r.Code == c.code {
			return errors.Wrap(c.sentinel, r.Error)
		}
	}
	return errors.Errorf("status %d: %s", status, r.Error)
}
