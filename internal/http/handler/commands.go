package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dscrape/internal/bot"
	"dscrape/internal/modelcache"
)

type CommandHandler struct {
	Bot *bot.Service
	Log *slog.Logger
}

type userJSON struct {
	ID            int64  `json:"id,string"`
	Name          string `json:"name"`
	Discriminator string `json:"discriminator"`
	Source        string `json:"source"`
}

func toUserJSON(u bot.ResolvedUser) userJSON {
	out := userJSON{ID: u.ID(), Name: u.Name(), Discriminator: u.Discriminator()}
	switch u.(type) {
	case bot.PlatformMember:
		out.Source = "platform"
	case bot.ArchivedUser:
		out.Source = "archive"
	}
	return out
}

type switchReq struct {
	User string `json:"user"`
}

func (h *CommandHandler) Switch(w http.ResponseWriter, r *http.Request) {
	var req switchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return
	}

	res, err := h.Bot.Switch(r.Context(), req.User)
	switch {
	case errors.Is(err, bot.ErrUserNotFound):
		http.Error(w, "User "+req.User+" not found in data set.", http.StatusNotFound)
		return
	case errors.Is(err, modelcache.ErrNotEnoughData):
		http.Error(w, "Not enough data for user "+res.User.Name(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.fail(w, r, "switch", err, "Unable to switch data set.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":        toUserJSON(res.User),
		"attribution": res.Attribution,
	})
}

type talkReq struct {
	Start string `json:"start"`
}

func (h *CommandHandler) Talk(w http.ResponseWriter, r *http.Request) {
	h.talk(w, r, h.Bot.Talk)
}

func (h *CommandHandler) TalkUwu(w http.ResponseWriter, r *http.Request) {
	h.talk(w, r, h.Bot.TalkUwu)
}

func (h *CommandHandler) talk(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (bot.TalkResult, error)) {
	var req talkReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}

	res, err := fn(r.Context(), req.Start)
	switch {
	case errors.Is(err, bot.ErrNoModel):
		http.Error(w, "No model is active.", http.StatusConflict)
		return
	case errors.Is(err, bot.ErrGenerationFailed):
		http.Error(w, "Unable to get sentence.", http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.fail(w, r, "talk", err, "Unable to get sentence.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sentence":    res.Sentence,
		"attribution": res.Attribution,
	})
}

type quoteReq struct {
	User    string `json:"user"`
	Keyword string `json:"keyword"`
}

func (h *CommandHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return
	}

	res, err := h.Bot.Quote(r.Context(), req.User, req.Keyword)
	switch {
	case errors.Is(err, bot.ErrUserNotFound):
		http.Error(w, "User "+req.User+" not found in data set.", http.StatusNotFound)
		return
	case errors.Is(err, bot.ErrNoQuote):
		http.Error(w, "No matching message.", http.StatusNotFound)
		return
	case err != nil:
		h.fail(w, r, "quote", err, "Unable to get quote.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":       toUserJSON(res.User),
		"message_id": res.MessageID,
		"channel_id": res.ChannelID,
		"time":       res.Time.Format(time.RFC3339),
		"text":       res.Text,
	})
}

type queryReq struct {
	SQL string `json:"sql"`
}

// Query always answers 200; a failing statement is reported in "error".
func (h *CommandHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	res := h.Bot.Query(r.Context(), req.SQL)
	writeJSON(w, http.StatusOK, map[string]any{
		"columns":   res.Columns,
		"rows":      res.Rows,
		"truncated": res.Truncated,
		"error":     res.Err,
		"text":      res.Text(),
	})
}

func (h *CommandHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error, msg string) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	log.Error(op+" failed", "err", err, "path", r.URL.Path)
	http.Error(w, msg, http.StatusInternalServerError)
}
