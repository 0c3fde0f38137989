package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
)

// maxMinutesBefore caps the lead time a user may choose.
const maxMinutesBefore = 24 * 60

type preferencesRequest struct {
	Preferences   *notifier.Preferences  `json:"preferences"`
	DateOverrides notifier.DateOverrides `json:"dateOverrides"`
	Token         string                 `json:"token"`
}

type categoryRequest struct {
	Enabled    *bool  `json:"enabled"`
	Token      string `json:"token"`
	CategoryID string `json:"categoryId"`
}

type testRequest struct {
	Token string `json:"token"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" || req.Preferences == nil {
		s.fail(w, http.StatusBadRequest, "token and preferences are required")
		return
	}

	prefs := *req.Preferences
	if req.DateOverrides != nil {
		prefs.DateOverrides = req.DateOverrides
	}
	if err := s.validatePreferences(&prefs); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.loadOrCreate(r.Context(), req.Token)
	if err != nil {
		s.logger.Error("Failed to load subscriber", "token", push.RedactToken(req.Token), "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	sub.Preferences = prefs

	if err := s.store.Save(r.Context(), sub); err != nil {
		s.logger.Error("Failed to save preferences", "token", push.RedactToken(req.Token), "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}

	s.logger.Info("Preferences updated",
		"token", push.RedactToken(req.Token),
		"minutes_before", prefs.MinutesBefore,
		"reference", prefs.NotificationReference,
		"overrides", len(prefs.DateOverrides))
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" || req.CategoryID == "" || req.Enabled == nil {
		s.fail(w, http.StatusBadRequest, "token, categoryId and enabled are required")
		return
	}
	if _, ok := s.builder.Category(req.CategoryID); !ok {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", req.CategoryID))
		return
	}

	sub, err := s.loadOrCreate(r.Context(), req.Token)
	if err != nil {
		s.logger.Error("Failed to load subscriber", "token", push.RedactToken(req.Token), "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	if sub.Preferences.Categories == nil {
		sub.Preferences.Categories = make(map[string]bool)
	}
	sub.Preferences.Categories[req.CategoryID] = *req.Enabled

	if err := s.store.Save(r.Context(), sub); err != nil {
		s.logger.Error("Failed to save category", "token", push.RedactToken(req.Token), "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}

	s.logger.Info("Category toggled", "token", push.RedactToken(req.Token), "category", req.CategoryID, "enabled", *req.Enabled)
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		s.fail(w, http.StatusBadRequest, "token is required")
		return
	}

	msg := &push.Message{
		Token: req.Token,
		Title: "Test notification",
		Body:  "Push notifications are working.",
		Data:  map[string]string{"type": "test"},
	}
	s.deliver(r.Context(), w, msg)
}

// deliver sends msg and writes the envelope. Tokens the push channel rejects
// are removed from storage.
func (s *Server) deliver(ctx context.Context, w http.ResponseWriter, msg *push.Message) {
	err := s.push.Send(ctx, msg)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, response{Success: true})
	case push.IsInvalidToken(err):
		s.logger.Warn("Push token rejected, removing subscriber", "token", push.RedactToken(msg.Token))
		if delErr := s.store.Delete(ctx, msg.Token); delErr != nil {
			s.logger.Error("Failed to delete subscriber", "token", push.RedactToken(msg.Token), "error", delErr)
		}
		s.fail(w, http.StatusGone, "push token is no longer valid")
	default:
		s.logger.Error("Push send failed", "token", push.RedactToken(msg.Token), "error", err)
		s.fail(w, http.StatusBadGateway, "push delivery failed")
	}
}

func (s *Server) loadOrCreate(ctx context.Context, token string) (*notifier.Subscriber, error) {
	sub, err := s.store.LoadByToken(ctx, token)
	if err == nil {
		return sub, nil
	}
	if s.isNotFound == nil || !s.isNotFound(err) {
		return nil, err
	}
	prefs := s.defaults
	prefs.Categories = maps.Clone(s.defaults.Categories)
	return &notifier.Subscriber{Token: token, Preferences: prefs, CreatedAt: time.Now()}, nil
}

func (s *Server) validatePreferences(p *notifier.Preferences) error {
	if p.MinutesBefore < 0 || p.MinutesBefore > maxMinutesBefore {
		return fmt.Errorf("minutesBefore must be between 0 and %d", maxMinutesBefore)
	}
	switch p.NotificationReference {
	case "":
		p.NotificationReference = notifier.ReferencePrimary
	case notifier.ReferencePrimary, notifier.ReferenceSecondary:
	default:
		return fmt.Errorf("unknown notificationReference %q", p.NotificationReference)
	}

	var errs []error
	for id := range p.Categories {
		if _, ok := s.builder.Category(id); !ok {
			errs = append(errs, fmt.Errorf("unknown category %q", id))
		}
	}
	for date, overrides := range p.DateOverrides {
		if _, err := time.Parse(notifier.DateLayout, date); err != nil {
			errs = append(errs, fmt.Errorf("invalid override date %q", date))
		}
		for id := range overrides {
			if _, ok := s.builder.Category(id); !ok {
				errs = append(errs, fmt.Errorf("unknown category %q in overrides", id))
			}
		}
	}
	return errors.Join(errs...)
}
