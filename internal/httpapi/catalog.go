package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

type modelResponse struct {
	ID                       string `json:"id"`
	Name                     string `json:"name"`
	ContextWindow            int    `json:"contextWindow"`
	PromptPriceMicrosUSD     int    `json:"promptPriceMicrosUsd"`
	CompletionPriceMicrosUSD int    `json:"completionPriceMicrosUsd"`
	Default                  bool   `json:"default"`
}

// ListModels returns the upstream catalog, falling back to the configured
// default model alone when the catalog cannot be fetched.
func (h Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	defaultModel := h.cfg.OpenRouterDefaultModel

	catalog, err := h.streamer.ListModels(r.Context())
	if err != nil {
		h.logger.Warn("list upstream models failed", zap.Error(err))
	}

	models := make([]modelResponse, 0, len(catalog)+1)
	sawDefault := false
	for _, m := range catalog {
		isDefault := m.ID == defaultModel
		sawDefault = sawDefault || isDefault
		models = append(models, modelResponse{
			ID:                       m.ID,
			Name:                     m.Name,
			ContextWindow:            m.ContextWindow,
			PromptPriceMicrosUSD:     m.PromptPriceMicrosUSD,
			CompletionPriceMicrosUSD: m.CompletionPriceMicrosUSD,
			Default:                  isDefault,
		})
	}
	if !sawDefault && defaultModel != "" {
		models = append([]modelResponse{{ID: defaultModel, Name: defaultModel, Default: true}}, models...)
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

type toolResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

func (h Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	out := make([]toolResponse, 0, 4)
	if h.tools != nil {
		for _, tool := range h.tools.List() {
			out = append(out, toolResponse{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}
