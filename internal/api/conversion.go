package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promptlane/delivery/internal/funnel"
)

const conversionBodyLimit = 16 << 10

type conversionRequest struct {
	Source                conversionSource  `json:"source"`
	TargetEventName       string            `json:"target_event_name"`
	TargetCategory        string            `json:"target_category"`
	ConversionWindowHours int               `json:"conversion_window_hours"`
	Metric                *conversionMetric `json:"metric"`
	Start                 string            `json:"start"`
	End                   string            `json:"end"`
}

type conversionSource struct {
	Type     string `json:"type"`
	PromptID string `json:"prompt_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type conversionMetric struct {
	Type  string `json:"type"`
	Field string `json:"field"`
}

// ConversionHandler evaluates one funnel definition over a time range.
func ConversionHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Funnels == nil {
			writeError(w, http.StatusServiceUnavailable, "funnel calculator is not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, conversionBodyLimit))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		var request conversionRequest
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, http.StatusBadRequest, "request body must be valid JSON")
			return
		}

		definition, start, end, err := buildDefinition(request)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := options.Funnels.Compute(r.Context(), definition, start, end)
		if err != nil {
			if errors.Is(err, funnel.ErrInvalidDefinition) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to compute conversion")
			return
		}

		writeJSON(w, http.StatusOK, result)
	})
}

func buildDefinition(request conversionRequest) (funnel.Definition, time.Time, time.Time, error) {
	definition := funnel.Definition{
		TargetEventName:       strings.TrimSpace(request.TargetEventName),
		TargetCategory:        strings.TrimSpace(request.TargetCategory),
		ConversionWindowHours: request.ConversionWindowHours,
	}

	switch strings.ToLower(strings.TrimSpace(request.Source.Type)) {
	case "prompt_requests":
		definition.Source = funnel.PromptRequests{PromptID: strings.TrimSpace(request.Source.PromptID)}
	case "event":
		definition.Source = funnel.EventSource{
			Name:     strings.TrimSpace(request.Source.Name),
			Category: strings.TrimSpace(request.Source.Category),
		}
	case "":
		return funnel.Definition{}, time.Time{}, time.Time{}, fmt.Errorf("source.type is required")
	default:
		return funnel.Definition{}, time.Time{}, time.Time{}, fmt.Errorf("source.type must be prompt_requests or event (got %q)", request.Source.Type)
	}

	if request.Metric == nil {
		definition.Metric = funnel.Count{}
	} else {
		switch strings.ToLower(strings.TrimSpace(request.Metric.Type)) {
		case "", "count":
			definition.Metric = funnel.Count{}
		case "sum":
			definition.Metric = funnel.Sum{Field: strings.TrimSpace(request.Metric.Field)}
		default:
			return funnel.Definition{}, time.Time{}, time.Time{}, fmt.Errorf("metric.type must be count or sum (got %q)", request.Metric.Type)
		}
	}

	start, err := time.Parse(time.RFC3339, request.Start)
	if err != nil {
		return funnel.Definition{}, time.Time{}, time.Time{}, fmt.Errorf("start must be RFC 3339: %w", err)
	}
	end, err := time.Parse(time.RFC3339, request.End)
	if err != nil {
		return funnel.Definition{}, time.Time{}, time.Time{}, fmt.Errorf("end must be RFC 3339: %w", err)
	}
	return definition, start.UTC(), end.UTC(), nil
}
