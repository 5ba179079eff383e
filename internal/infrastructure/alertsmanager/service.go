package alertsmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/satsvault/custodiad/internal/core/ports"
)

const (
	serviceName = "custodiad"
	severity    = "info"

	maxRetries = 5
)

type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

type service struct {
	baseUrl     string
	explorerUrl string
	httpClient  *http.Client
}

func NewService(alertManagerURL, explorerURL string) ports.NotificationSink {
	return &service{
		baseUrl:     alertManagerURL,
		explorerUrl: explorerURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *service) Publish(ctx context.Context, topic ports.Topic, message any) error {
	// Alerting is optional, an unset URL disables it.
	if s.baseUrl == "" {
		return nil
	}

	labels := map[string]string{
		"alertname": string(topic),
		"service":   serviceName,
		"severity":  severity,
	}

	desc := ""
	annotations := map[string]string{}
	switch topic {
	case ports.TransactionBroadcasted:
		annotations["firing_title"] = "🎯 Transaction Broadcasted"
		m, ok := message.(ports.TransactionBroadcastedAlert)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		desc = formatTransactionBroadcastedAlert(s.explorerUrl, m)
		labels["transaction_id"] = m.TransactionId
		labels["txid"] = m.TxHash
	case ports.CommandPoisoned:
		annotations["firing_title"] = "☠️ Command Poisoned"
		labels["severity"] = "warning"
		m, ok := message.(ports.CommandPoisonedAlert)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		desc = formatCommandPoisonedAlert(m)
		labels["transaction_id"] = m.TransactionId
	case ports.RevokedCommitment:
		annotations["firing_title"] = "🚨 Revoked Commitment Detected"
		labels["severity"] = "critical"
		m, ok := message.(ports.RevokedCommitmentAlert)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		desc = formatRevokedCommitmentAlert(s.explorerUrl, m)
		labels["commitment_id"] = m.CommitmentId
		labels["txid"] = m.TxHash
	case ports.PoolLow:
		annotations["firing_title"] = "📉 Output Pool Low"
		labels["severity"] = "warning"
		m, ok := message.(ports.PoolLowAlert)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		desc = formatGenericAlert(map[string]any{
			"asset_id": m.AssetId, "remaining_outputs": m.Count,
		})
	default:
		annotations["firing_title"] = fmt.Sprintf("🔔 %s", topic)
		desc = formatGenericAlert(map[string]any{"event": message})
	}

	annotations["description"] = desc
	alert := Alert{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    time.Now(),
	}

	if err := s.sendAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to send alert to AlertManager: %w", err)
	}

	return nil
}

func (s *service) sendAlert(ctx context.Context, alerts Alert) error {
	payload, err := json.Marshal([]Alert{alerts})
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	baseDelay := 100 * time.Millisecond

	for attempt := range maxRetries {
		req, err := http.NewRequestWithContext(ctx, "POST", s.baseUrl, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			// Network error - retry with backoff
			if attempt < maxRetries-1 {
				// exponential: 100ms, 200ms, 400ms, 800ms, 1600ms
				delay := baseDelay * time.Duration(1<<uint(attempt))

				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return fmt.Errorf("failed to send alert after %d attempts: %w", maxRetries, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return nil
		}

		_ = resp.Body.Close()

		// Retry on 5xx (server errors), but not on 4xx (client errors)
		if resp.StatusCode >= 500 {
			if attempt < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<uint(attempt))

				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		// 4xx error or final 5xx error
		return fmt.Errorf(
			"failed to send alert to AlertManager with status %d after %d attempts",
			resp.StatusCode, attempt+1,
		)
	}

	return fmt.Errorf("failed to send alert after %d attempts", maxRetries)
}

func formatTransactionBroadcastedAlert(
	explorerUrl string, data ports.TransactionBroadcastedAlert,
) string {
	lines := make([]string, 0)
	lines = append(lines, fmt.Sprintf("%s/tx/%s", explorerUrl, data.TxHash))
	lines = append(lines, fmt.Sprintf("\n*Transaction ID:* `%s`", data.TransactionId))
	lines = append(lines, fmt.Sprintf("• Spent outputs: %d", data.SpentCount))
	return strings.Join(lines, "\n")
}

func formatCommandPoisonedAlert(data ports.CommandPoisonedAlert) string {
	lines := make([]string, 0)
	lines = append(lines, fmt.Sprintf("*Transaction ID:* `%s`", data.TransactionId))
	lines = append(lines, fmt.Sprintf("• Command: %s", data.CommandType))
	lines = append(lines, fmt.Sprintf("• Attempts: %d", data.DequeueCount))
	lines = append(lines, fmt.Sprintf("• Last error: %s", data.LastError))
	return strings.Join(lines, "\n")
}

func formatRevokedCommitmentAlert(explorerUrl string, data ports.RevokedCommitmentAlert) string {
	lines := make([]string, 0)
	lines = append(lines, fmt.Sprintf("%s/tx/%s", explorerUrl, data.TxHash))
	lines = append(lines, fmt.Sprintf("\n*Commitment ID:* `%s`", data.CommitmentId))
	lines = append(lines, fmt.Sprintf("*Channel ID:* `%s`", data.ChannelId))
	if data.PenaltyTxHash != "" {
		lines = append(lines, fmt.Sprintf("• Penalty tx: %s/tx/%s", explorerUrl, data.PenaltyTxHash))
	}
	return strings.Join(lines, "\n")
}

func formatGenericAlert(data map[string]any) string {
	lines := make([]string, 0)
	for key, value := range data {
		lines = append(lines, fmt.Sprintf("• %s: %v", key, value))
	}
	return strings.Join(lines, "\n")
}
