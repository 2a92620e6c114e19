package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/go-chi/chi/v5"
)

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, handler string, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server."+handler+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"time": s.sched.Now().UTC().Format(time.RFC3339)}))
}

func (s *Server) cycleHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.sched.RunCycle(r.Context(), s.sched.Now())
	if err != nil {
		writeError(w, "cycleHandler", err)
		return
	}
	slog.Info("Server.cycleHandler: cycle finished", "due", report.Due, "published", report.Published)
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ScheduleRequest
	if !decodeJSON(w, r, "scheduleHandler", &req) {
		return
	}
	res, err := s.sched.Schedule(r.Context(), req)
	if err != nil {
		writeError(w, "scheduleHandler", err)
		return
	}
	slog.Info("Server.scheduleHandler: message scheduled", "id", res.ID, "person", req.PersonName)
	writeJSONResponse(w, http.StatusCreated, models.Scheduled(res))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	includeExhausted, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	msgs, err := s.sched.ListMessages(r.Context(), r.URL.Query().Get("person"), includeExhausted)
	if err != nil {
		writeError(w, "listMessagesHandler", err)
		return
	}
	if msgs == nil {
		msgs = []*models.ScheduledMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	m, err := s.sched.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "getMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

// outcomeRequest reports on the occurrence queued now unless Occurrence names another one.
type outcomeRequest struct {
	Outcome    models.DeliveryOutcome `json:"outcome"`
	Occurrence *time.Time             `json:"occurrence,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

func (s *Server) outcomeHandler(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if !decodeJSON(w, r, "outcomeHandler", &req) {
		return
	}
	var occurrence time.Time
	if req.Occurrence != nil {
		occurrence = *req.Occurrence
	}
	res, err := s.sched.OnDeliveryOutcome(r.Context(), chi.URLParam(r, "id"), occurrence, req.Outcome, req.Reason)
	if err != nil {
		writeError(w, "outcomeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedResult(res))
}

func (s *Server) listPeopleHandler(w http.ResponseWriter, r *http.Request) {
	people, err := s.people.ListPeople(r.Context())
	if err != nil {
		writeError(w, "listPeopleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(people))
}

func (s *Server) getPersonHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.people.LoadPerson(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "getPersonHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) upsertPersonHandler(w http.ResponseWriter, r *http.Request) {
	var p models.Person
	if !decodeJSON(w, r, "upsertPersonHandler", &p) {
		return
	}
	p.Name = chi.URLParam(r, "name")
	if err := s.resolver.Validate(&p); err != nil {
		writeError(w, "upsertPersonHandler", err)
		return
	}
	if err := s.people.UpsertPerson(r.Context(), &p); err != nil {
		writeError(w, "upsertPersonHandler", err)
		return
	}
	if s.hooks.PeopleChanged != nil {
		s.hooks.PeopleChanged(r.Context())
	}
	slog.Info("Server.upsertPersonHandler: person saved", "person", p.Name, "windows", len(p.AvailabilityWindows))
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) deletePersonHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.people.DeletePerson(r.Context(), name); err != nil {
		writeError(w, "deletePersonHandler", err)
		return
	}
	if s.hooks.PeopleChanged != nil {
		s.hooks.PeopleChanged(r.Context())
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(fmt.Sprintf("person %s deleted", name), nil))
}

func (s *Server) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	at := s.sched.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("at must be an RFC 3339 timestamp"))
			return
		}
		at = parsed
	}
	p, err := s.people.LoadPerson(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "availabilityHandler", err)
		return
	}
	locations := s.resolver.Resolve(p, at)
	if locations == nil {
		locations = []string{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"person":    p.Name,
		"at":        at.UTC().Format(time.RFC3339),
		"locations": locations,
	}))
}

func (s *Server) listLocationsHandler(w http.ResponseWriter, r *http.Request) {
	locations, err := s.locations.ListLocations(r.Context())
	if err != nil {
		writeError(w, "listLocationsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(locations))
}

func (s *Server) getLocationHandler(w http.ResponseWriter, r *http.Request) {
	l, err := s.locations.GetLocation(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "getLocationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(l))
}

func (s *Server) upsertLocationHandler(w http.ResponseWriter, r *http.Request) {
	var l models.Location
	if !decodeJSON(w, r, "upsertLocationHandler", &l) {
		return
	}
	l.Name = chi.URLParam(r, "name")
	if err := l.Validate(); err != nil {
		writeError(w, "upsertLocationHandler", err)
		return
	}
	if err := s.locations.UpsertLocation(r.Context(), &l); err != nil {
		writeError(w, "upsertLocationHandler", err)
		return
	}
	if s.hooks.LocationUpserted != nil {
		s.hooks.LocationUpserted(&l)
	}
	slog.Info("Server.upsertLocationHandler: location saved", "location", l.Name, "channel", l.Channel)
	writeJSONResponse(w, http.StatusOK, models.Success(l))
}

func (s *Server) deleteLocationHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.locations.DeleteLocation(r.Context(), name); err != nil {
		writeError(w, "deleteLocationHandler", err)
		return
	}
	if s.hooks.LocationDeleted != nil {
		s.hooks.LocationDeleted(name)
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(fmt.Sprintf("location %s deleted", name), nil))
}

type motionRequest struct {
	Detected bool `json:"detected"`
}

func (s *Server) motionHandler(w http.ResponseWriter, r *http.Request) {
	var req motionRequest
	if !decodeJSON(w, r, "motionHandler", &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.locations.SetMotion(r.Context(), name, req.Detected, s.sched.Now()); err != nil {
		writeError(w, "motionHandler", err)
		return
	}
	slog.Debug("Server.motionHandler: motion updated", "location", name, "detected", req.Detected)
	writeJSONResponse(w, http.StatusOK, models.Recorded())
}

type replyRequest struct {
	Text string `json:"text"`
}

func (s *Server) responseHandler(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if !decodeJSON(w, r, "responseHandler", &req) {
		return
	}
	if s.replies == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("confirmation replies are not enabled"))
		return
	}
	name := chi.URLParam(r, "name")
	n := s.replies.SubmitAtLocation(name, req.Text)
	slog.Debug("Server.responseHandler: reply submitted", "location", name, "waiters", n)
	writeJSONResponse(w, http.StatusOK, models.RecordedResult(map[string]int{"waiters": n}))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := s.sched.ResetLocation(r.Context(), name)
	if err != nil {
		writeError(w, "resetHandler", err)
		return
	}
	slog.Info("Server.resetHandler: location reset", "location", name, "messages", n)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(fmt.Sprintf("location %s reset", name), map[string]int{"messages": n}))
}
