package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"reminder-notifier/auth"
	"reminder-notifier/builder"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
)

// handleSend delivers one scheduled push. It is called by the task worker.
// A 4xx response tells the worker not to retry.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var p notifier.PushPayload
	if !s.decode(w, r, &p) {
		return
	}
	p.FCMToken = strings.TrimSpace(p.FCMToken)
	if p.FCMToken == "" || p.CategoryID == "" || p.EventName == "" || p.TimeStr == "" {
		s.fail(w, http.StatusBadRequest, "fcmToken, categoryId, eventName and timeStr are required")
		return
	}
	if p.MinutesBefore < 0 {
		s.fail(w, http.StatusBadRequest, "minutesBefore must not be negative")
		return
	}

	subject, _ := auth.SubjectFromContext(r.Context())
	logger := s.logger.With("task", subject, "token", push.RedactToken(p.FCMToken), "event", p.EventName)

	// Users may have unsubscribed or changed preferences since the task was queued.
	sub, err := s.store.LoadByToken(r.Context(), p.FCMToken)
	switch {
	case err != nil && s.isNotFound != nil && s.isNotFound(err):
		logger.Info("Subscriber gone, dropping push")
		s.fail(w, http.StatusGone, "subscriber not found")
		return
	case err != nil:
		logger.Error("Failed to load subscriber", "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to load subscriber")
		return
	}

	if date, err := time.ParseInLocation(notifier.DateLayout, p.Date, s.loc); err == nil {
		ev := &notifier.Event{CategoryID: p.CategoryID, Name: p.EventName}
		if !builder.IsEligible(&sub.Preferences, sub.Preferences.DateOverrides, ev, date) {
			logger.Info("Category disabled since scheduling, skipping push", "category", p.CategoryID)
			s.writeJSON(w, http.StatusOK, response{Success: true, Skipped: true})
			return
		}
	}

	n := s.builder.BuildFromPush(&p)
	msg := &push.Message{
		Token: p.FCMToken,
		Title: n.Title,
		Body:  n.Body,
		Data: map[string]string{
			"id":            n.ID,
			"categoryId":    p.CategoryID,
			"eventName":     p.EventName,
			"timeStr":       p.TimeStr,
			"minutesBefore": strconv.Itoa(p.MinutesBefore),
			"date":          n.Date,
			"title":         n.Title,
			"body":          n.Body,
		},
	}

	logger.Info("Sending scheduled push", "id", n.ID)
	s.deliver(r.Context(), w, msg)
}
