package admin

import (
	"encoding/json"
	"net/http"
	"time"
)

// unitPriceMicroUSD is the per-unit price applied by the invoice preview.
// The authoritative rating lives in the billing pipeline; this preview only
// replays the usage events the plane still retains.
var unitPriceMicroUSD = map[string]int64{
	"tokens":     2,
	"tool_calls": 5000,
	"ws_minutes": 1000,
}

// invoiceLine is one resource on the preview
type invoiceLine struct {
	Resource     string `json:"resource"`
	Quantity     int64  `json:"quantity"`
	UnitMicroUSD int64  `json:"unitMicroUsd"`
	TotalMicro   int64  `json:"totalMicroUsd"`
}

// usagePayload mirrors the usage_metered event body
type usagePayload struct {
	RequestID string `json:"requestId"`
	Resource  string `json:"resource"`
	Quantity  int64  `json:"quantity"`
}

// handleInvoice previews a tenant's invoice by replaying the retained
// usage_metered events
func (a *API) handleInvoice(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := req.URL.Query().Get("tenantId")
	if tenantID == "" {
		http.Error(w, "tenantId is required", http.StatusBadRequest)
		return
	}

	stream, ok := a.bus.Stream("usage_metered")
	if !ok {
		http.Error(w, "usage stream unavailable", http.StatusInternalServerError)
		return
	}

	// Bounded replay; beyond this the preview under-reports and the real
	// billing pipeline is the place to look
	msgs, err := stream.Messages(100_000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	quantities := map[string]int64{}
	events := 0
	var oldest, newest time.Time

	for _, m := range msgs {
		if m.Envelope.TenantID != tenantID {
			continue
		}
		var usage usagePayload
		if err := json.Unmarshal(m.Envelope.Payload, &usage); err != nil {
			continue
		}
		quantities[usage.Resource] += usage.Quantity
		events++
		if oldest.IsZero() || m.Envelope.PublishedAt.Before(oldest) {
			oldest = m.Envelope.PublishedAt
		}
		if m.Envelope.PublishedAt.After(newest) {
			newest = m.Envelope.PublishedAt
		}
	}

	var lines []invoiceLine
	var total int64
	for resource, qty := range quantities {
		unit := unitPriceMicroUSD[resource]
		line := invoiceLine{
			Resource:     resource,
			Quantity:     qty,
			UnitMicroUSD: unit,
			TotalMicro:   qty * unit,
		}
		total += line.TotalMicro
		lines = append(lines, line)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":      tenantID,
		"preview":       true,
		"events":        events,
		"periodStart":   oldest,
		"periodEnd":     newest,
		"lines":         lines,
		"totalMicroUsd": total,
	})
}
