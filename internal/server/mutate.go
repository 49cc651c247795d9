package server

import (
	"encoding/json"
	"mime"
	"net/http"

	"google.golang.org/api/calendar/v3"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/ics"
	"github.com/beekhof/calsync/internal/mutation"
	"github.com/beekhof/calsync/internal/syncerr"
)

const opMutateRequest = "server.mutate"

// mutateRequest is the JSON body of the mutate endpoint. With a text/calendar
// body the same fields travel as query parameters.
type mutateRequest struct {
	AccountID             string          `json:"accountId"`
	CalendarID            string          `json:"calendarId"`
	EventID               string          `json:"eventId"`
	Scope                 string          `json:"scope"`
	Operation             string          `json:"operation"`
	DestinationCalendarID string          `json:"destinationCalendarId,omitempty"`
	Payload               json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	body, payload, err := decodeMutate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	scope, err := mutation.ParseScope(body.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	operation, err := mutation.ParseOperation(body.Operation)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if body.AccountID == "" {
		s.writeError(w, syncerr.Validation(opMutateRequest, "accountId is required"))
		return
	}

	events, err := s.clients.EventClient(r.Context(), body.AccountID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	engine := mutation.NewEngine(events, mutation.WithLogger(s.log))
	result, err := engine.Mutate(r.Context(), mutation.Request{
		CalendarID:            body.CalendarID,
		EventID:               body.EventID,
		DestinationCalendarID: body.DestinationCalendarID,
		Scope:                 scope,
		Operation:             operation,
		Payload:               payload,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info().Str("userID", userID).Str("accountID", body.AccountID).Str("calendarID", body.CalendarID).
		Str("eventID", body.EventID).Str("scope", string(scope)).Str("operation", string(operation)).
		Msg("event mutated")
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeMutate(r *http.Request) (*mutateRequest, *calendar.Event, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/calendar" {
		q := r.URL.Query()
		body := &mutateRequest{
			AccountID:             q.Get("accountId"),
			CalendarID:            q.Get("calendarId"),
			EventID:               q.Get("eventId"),
			Scope:                 q.Get("scope"),
			Operation:             q.Get("operation"),
			DestinationCalendarID: q.Get("destinationCalendarId"),
		}
		payload, err := ics.DecodeEvent(r.Body)
		if err != nil {
			return nil, nil, err
		}
		return body, payload, nil
	}

	var body mutateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return nil, nil, syncerr.Validation(opMutateRequest, "malformed request body: %v", err)
	}
	if len(body.Payload) == 0 || string(body.Payload) == "null" {
		return &body, nil, nil
	}
	payload, err := calclient.DecodeEvent(body.Payload)
	if err != nil {
		return nil, nil, err
	}
	return &body, payload, nil
}
