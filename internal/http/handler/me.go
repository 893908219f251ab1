package handler

import (
	"net/http"

	"dscrape/internal/auth"
	"dscrape/internal/bot"
)

type MeHandler struct {
	Bot *bot.Service
}

func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())

	var active any
	if attribution, ok := h.Bot.Active(); ok {
		active = attribution
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator": op,
		"active":   active,
	})
}
