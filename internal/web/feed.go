package web

import (
	"fmt"
	"net/http"
	"time"

	ical "github.com/arran4/golang-ical"

	"belltower/internal/model"
)

// handleFeed renders the lookahead horizon as an ICS calendar, one VEVENT
// per resolved bell. Calendar apps can subscribe to the URL directly.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	loc := s.loc()
	days, err := s.resolver.Lookahead(r.Context(), time.Now().In(loc))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//belltower//schedule feed//EN")
	cal.SetName("Bell schedule")

	now := time.Now()
	for _, day := range days {
		for _, ev := range day.Events {
			at := ev.Time.On(day.Date, loc)
			uid := fmt.Sprintf("%d-%s@belltower", ev.EventID, model.DateKey(day.Date))
			ve := cal.AddEvent(uid)
			ve.SetDtStampTime(now)
			ve.SetStartAt(at)
			ve.SetEndAt(at.Add(time.Minute))
			ve.SetSummary(ev.Description)
			if ev.Origin == model.OriginOverride {
				ve.SetDescription(fmt.Sprintf("override %d", ev.OverrideID))
			}
		}
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="belltower.ics"`)
	_, _ = fmt.Fprint(w, cal.Serialize())
}
